// Package timing implements the per-driver lap timing state machine:
// arming off the start/finish line, split capture at each third of the
// lap, lap completion, and best-lap/best-split accounting.
package timing

import "math"

const (
	// MinValidLapSec is the minimum lap duration counted toward best-lap
	// and best-split accounting.
	MinValidLapSec = 20.0

	armDistFraction = 0.12
)

// Splits holds the three cumulative split times (seconds since lap start)
// or NaN where a split has not yet been captured.
type Splits [3]float64

func emptySplits() Splits {
	return Splits{math.NaN(), math.NaN(), math.NaN()}
}

// LapRow is a single completed lap, ready for persistence or publication.
type LapRow struct {
	LapNumber      int
	LapTimeSec     float64
	SplitsSec      Splits
	CompletedAtSec float64
}

// armedState is the sum-type payload for an armed timing state: it only
// exists while armed, so "armed but missing lap_start_ts" can't occur.
type armedState struct {
	lapStartTs     float64
	lapProgressM   float64
	currentSplits  Splits
}

// State is a single driver's lap timing state machine.
type State struct {
	lapLenM      float64
	splitDist    [3]float64
	prevS        float64
	havePrevS    bool
	armed        *armedState
	lapCount     int
	lastSplits   Splits
	lastLap      float64
	haveLastLap  bool
	bestSplits   Splits
	bestSegments Splits
	bestLap      float64
	haveBestLap  bool
}

// New builds a timing state machine for a track of length lapLenM. Seed
// values recovered from a records store can be supplied via Seed.
func New(lapLenM float64) *State {
	return &State{
		lapLenM:      lapLenM,
		splitDist:    [3]float64{lapLenM / 3, 2 * lapLenM / 3, lapLenM},
		lastSplits:   emptySplits(),
		bestSplits:   emptySplits(),
		bestSegments: emptySplits(),
	}
}

// Seed restores state from persisted benchmarks/recent-lap data on
// startup so the UI does not regress across a restart.
func (s *State) Seed(lapCount int, lastLap float64, haveLastLap bool, lastSplits Splits,
	bestLap float64, haveBestLap bool, bestSplits, bestSegments Splits) {
	s.lapCount = lapCount
	s.lastLap = lastLap
	s.haveLastLap = haveLastLap
	s.lastSplits = lastSplits
	s.bestLap = bestLap
	s.haveBestLap = haveBestLap
	s.bestSplits = bestSplits
	s.bestSegments = bestSegments
}

// LapEvent is returned from Update when a lap completes; nil otherwise.
type LapEvent struct {
	Row LapRow
}

// SplitEvent is returned from Update for each split captured by that
// sample. Each index fires at most once per lap, but a single Update whose
// progress passes more than one split distance returns one event per index
// passed.
type SplitEvent struct {
	SplitIndex        int // 1..3
	SplitCumulativeSec float64
	SplitSegmentSec    float64
}

// Update advances the state machine with a new (timestamp, arclength)
// sample. It returns any split/lap events produced by this sample.
func (s *State) Update(ts, arcS float64) (splits []SplitEvent, lap *LapEvent) {
	ds := s.computeDs(arcS)
	s.prevS = arcS
	s.havePrevS = true

	if s.armed == nil {
		if ds > 0 && arcS < armDistFraction*s.lapLenM {
			s.armed = &armedState{
				lapStartTs:    ts,
				lapProgressM:  0,
				currentSplits: emptySplits(),
			}
		}
		return nil, nil
	}

	if ds > 0 {
		s.armed.lapProgressM += ds
	}
	elapsed := ts - s.armed.lapStartTs

	for i := 0; i < 3; i++ {
		if math.IsNaN(s.armed.currentSplits[i]) && s.armed.lapProgressM >= s.splitDist[i] {
			s.armed.currentSplits[i] = elapsed
			segSec := elapsed
			if i > 0 && !math.IsNaN(s.armed.currentSplits[i-1]) {
				segSec = elapsed - s.armed.currentSplits[i-1]
			}
			splits = append(splits, SplitEvent{
				SplitIndex:         i + 1,
				SplitCumulativeSec: elapsed,
				SplitSegmentSec:    segSec,
			})
		}
	}

	if s.armed.lapProgressM >= s.lapLenM {
		lapTime := elapsed
		s.lapCount++
		s.lastLap = lapTime
		s.haveLastLap = true
		s.lastSplits = s.armed.currentSplits

		if lapTime >= MinValidLapSec {
			s.updateBests(lapTime, s.armed.currentSplits)
		}

		row := LapRow{
			LapNumber:      s.lapCount,
			LapTimeSec:     lapTime,
			SplitsSec:      s.armed.currentSplits,
			CompletedAtSec: ts,
		}
		lap = &LapEvent{Row: row}

		remaining := math.Max(s.armed.lapProgressM-s.lapLenM, 0)
		s.armed = &armedState{
			lapStartTs:    ts,
			lapProgressM:  remaining,
			currentSplits: emptySplits(),
		}
	}

	return splits, lap
}

func (s *State) computeDs(arcS float64) float64 {
	if !s.havePrevS {
		return 0
	}
	ds := arcS - s.prevS
	half := s.lapLenM / 2
	if ds > half {
		ds -= s.lapLenM
	} else if ds < -half {
		ds += s.lapLenM
	}
	return ds
}

func (s *State) updateBests(lapTime float64, splits Splits) {
	if !s.haveBestLap || lapTime < s.bestLap {
		s.bestLap = lapTime
		s.haveBestLap = true
	}
	for i := 0; i < 3; i++ {
		if math.IsNaN(splits[i]) {
			continue
		}
		if math.IsNaN(s.bestSplits[i]) || splits[i] < s.bestSplits[i] {
			s.bestSplits[i] = splits[i]
		}
	}
	segs := segmentsFromCumulative(splits)
	for i := 0; i < 3; i++ {
		if math.IsNaN(segs[i]) {
			continue
		}
		if math.IsNaN(s.bestSegments[i]) || segs[i] < s.bestSegments[i] {
			s.bestSegments[i] = segs[i]
		}
	}
}

func segmentsFromCumulative(c Splits) Splits {
	var out Splits
	prev := 0.0
	for i := 0; i < 3; i++ {
		if math.IsNaN(c[i]) {
			out[i] = math.NaN()
			continue
		}
		out[i] = c[i] - prev
		prev = c[i]
	}
	return out
}

// IsArmed reports whether the state machine is currently tracking a lap.
func (s *State) IsArmed() bool { return s.armed != nil }

// LapCount returns the number of completed laps this session.
func (s *State) LapCount() int { return s.lapCount }

// LastLap returns the most recently completed lap time, if any.
func (s *State) LastLap() (float64, bool) { return s.lastLap, s.haveLastLap }

// BestLap returns the best qualifying lap time, if any.
func (s *State) BestLap() (float64, bool) { return s.bestLap, s.haveBestLap }

// LastSplits returns the cumulative splits of the most recently completed
// lap (NaN for any not captured).
func (s *State) LastSplits() Splits { return s.lastSplits }

// BestSplits returns the per-index minimum cumulative split times across
// all qualifying laps.
func (s *State) BestSplits() Splits { return s.bestSplits }

// BestSplitSegments returns the per-index minimum segment times across all
// qualifying laps.
func (s *State) BestSplitSegments() Splits { return s.bestSegments }

// SplitDelta computes the live delta to the best-known segment time for
// the split currently in progress. Returns false if either value is
// unavailable (not armed, or no best segment recorded yet).
func (s *State) SplitDelta(ts float64) (delta float64, ok bool) {
	if s.armed == nil {
		return 0, false
	}
	idx := s.currentSplitIndex()
	if idx < 0 {
		return 0, false
	}
	elapsed := ts - s.armed.lapStartTs
	prevCum := 0.0
	if idx > 0 && !math.IsNaN(s.armed.currentSplits[idx-1]) {
		prevCum = s.armed.currentSplits[idx-1]
	}
	currentSegment := elapsed - prevCum
	best := s.bestSegments[idx]
	if math.IsNaN(best) {
		return 0, false
	}
	return currentSegment - best, true
}

func (s *State) currentSplitIndex() int {
	for i := 0; i < 3; i++ {
		if s.armed.lapProgressM < s.splitDist[i] {
			return i
		}
	}
	return 2
}
