// Package hud owns the single shared state the dashboard reads: the
// latest telemetry sample (sourced from the telemetry loop), GPS-derived
// track position, and per-driver lap timing — everything GpsIngress and
// HttpSurface touch goes through one mutex, consistent with the
// concurrency model's "projection and timing updates happen inside the
// mutex to preserve the lap state machine's monotone contract".
package hud

import (
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/nanoadmin/subaru-telemetry/internal/gpsingress"
	"github.com/nanoadmin/subaru-telemetry/internal/metrics"
	"github.com/nanoadmin/subaru-telemetry/internal/records"
	"github.com/nanoadmin/subaru-telemetry/internal/telemetry"
	"github.com/nanoadmin/subaru-telemetry/internal/timing"
	"github.com/nanoadmin/subaru-telemetry/internal/track"
)

// MaxTrackErrorM is the projection-error threshold above which a fix is
// discarded before it ever reaches the timing state machine.
const MaxTrackErrorM = 120.0

// SplitDeadbandSec is the minimum magnitude a live split delta must have
// before the dashboard shows it, avoiding spurious "behind" flicker just
// after a split.
const SplitDeadbandSec = 0.7

// EventPublisher is the slice of Publisher this package needs — satisfied
// structurally by *publisher.Publisher without an import.
type EventPublisher interface {
	PublishEvent(driver, kind string, payload []byte) error
}

// SampleSource is the slice of telemetry.Loop this package needs.
type SampleSource interface {
	Snapshot() (latest *telemetry.Sample, history []telemetry.Sample, seq uint64)
}

// TimeSeriesSink is the slice of influxwriter.Writer this package needs.
// Optional: a nil sink (the default) simply skips time-series export.
type TimeSeriesSink interface {
	WriteSplit(driver string, sessionID, splitIndex int, cumulativeSec, segmentSec float64)
	WriteLap(driver string, sessionID, lapNumber int, lapTimeSec float64, splitsSec [3]float64)
}

// State is the dashboard's single shared snapshot, mutex-protected per the
// concurrency model: GpsIngress writes under the lock, HttpSurface takes
// read-only snapshots under the same lock.
type State struct {
	mu      sync.Mutex
	track   *track.Geometry
	records *records.Store
	events  EventPublisher
	samples SampleSource
	mx      *metrics.Registry
	influx  TimeSeriesSink

	driver   string
	timingSt *timing.State
	hintIdx  int
	lastFix  *gpsingress.GpsFix
	fixSeq   uint64
	notify   func()
}

// SetNotifier registers a callback invoked after every successfully
// ingested fix, outside the state lock — used to drive the websocket push
// channel without coupling this package to gorilla/websocket.
func (s *State) SetNotifier(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// SetTimeSeriesSink wires an optional InfluxDB export target. Splits and
// laps are mirrored there in addition to MQTT publication and records
// persistence.
func (s *State) SetTimeSeriesSink(sink TimeSeriesSink) {
	s.mu.Lock()
	s.influx = sink
	s.mu.Unlock()
}

// New builds a State seeded for the first driver in the fixed roster.
func New(trackGeom *track.Geometry, recordsStore *records.Store, events EventPublisher, samples SampleSource, mx *metrics.Registry) *State {
	s := &State{
		track:   trackGeom,
		records: recordsStore,
		events:  events,
		samples: samples,
		mx:      mx,
		driver:  records.Roster[0],
	}
	s.seedTimingLocked()
	return s
}

func (s *State) seedTimingLocked() {
	t := timing.New(s.track.TotalLenM)
	bm := s.records.Benchmarks(s.driver)
	recent, ok, sessionLapCount := s.records.Recent(s.driver)

	lastLap := 0.0
	haveLastLap := false
	lastSplits := timing.Splits{math.NaN(), math.NaN(), math.NaN()}
	if ok {
		lastLap = recent.LapTimeSec
		haveLastLap = true
		lastSplits = timing.Splits(recent.SplitsSec)
	}
	t.Seed(sessionLapCount, lastLap, haveLastLap, lastSplits,
		bm.BestLap, bm.HaveBestLap, timing.Splits(bm.BestSplits), timing.Splits(bm.BestSplitSegments))
	s.timingSt = t

	if s.mx != nil && bm.HaveBestLap {
		s.mx.BestLapSeconds.WithLabelValues(s.driver).Set(bm.BestLap)
	}
}

// Drivers returns the fixed roster and the currently active driver.
func (s *State) Drivers() (roster []string, active string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return records.Roster, s.driver
}

// SetDriver switches the active driver, reseeding lap timing from that
// driver's persisted benchmarks and most recent lap.
func (s *State) SetDriver(name string) error {
	found := false
	for _, d := range records.Roster {
		if d == name {
			found = true
			break
		}
	}
	if !found {
		return errInvalidDriver(name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = name
	s.seedTimingLocked()
	return nil
}

// ResetSession starts a fresh session for the active driver. Live track
// position is preserved; in-progress lap timing restarts cleanly from the
// next arming crossing, the simplest state that can't straddle old and new
// session bookkeeping.
func (s *State) ResetSession() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.records.ResetSession(s.driver, float64(time.Now().Unix()))
	if err != nil {
		return 0, err
	}
	s.seedTimingLocked()
	return id, nil
}

// IngestFix projects a validated fix onto the track, discards it if the
// projection error exceeds MaxTrackErrorM, and otherwise advances lap
// timing, persisting and publishing any splits/laps produced.
func (s *State) IngestFix(fix gpsingress.GpsFix) {
	s.mu.Lock()

	arcS, segIdx, errM := s.track.Project(fix.Lat, fix.Lon, s.hintIdx)
	if errM > MaxTrackErrorM {
		log.Printf("[hud] dropped fix, projection error %.1fm", errM)
		s.mu.Unlock()
		return
	}
	s.hintIdx = segIdx

	ts := fixTsSeconds(fix)
	lapNumberInProgress := s.timingSt.LapCount() + 1
	splits, lap := s.timingSt.Update(ts, arcS)

	driver := s.driver
	sessionID := s.records.CurrentSessionID(driver)

	for _, sp := range splits {
		s.publishSplit(driver, sessionID, lapNumberInProgress, sp)
	}
	if lap != nil {
		s.persistLap(driver, sessionID, lap.Row)
	}

	s.lastFix = &fix
	s.fixSeq++

	notify := s.notify
	s.mu.Unlock()

	// Latest() re-acquires the lock itself, so notify must run after we've
	// released it above.
	if notify != nil {
		notify()
	}
}

func (s *State) publishSplit(driver string, sessionID, lapNumber int, sp timing.SplitEvent) {
	payload, err := json.Marshal(map[string]interface{}{
		"event":                "split",
		"driver":               driver,
		"session_id":           sessionID,
		"lap_number":           lapNumber,
		"split_index":          sp.SplitIndex,
		"split_cumulative_sec": sp.SplitCumulativeSec,
		"split_segment_sec":    sp.SplitSegmentSec,
		"ts_ns":                time.Now().UnixNano(),
	})
	if s.influx != nil {
		s.influx.WriteSplit(driver, sessionID, sp.SplitIndex, sp.SplitCumulativeSec, sp.SplitSegmentSec)
	}
	if err != nil || s.events == nil {
		return
	}
	if err := s.events.PublishEvent(driver, "splits", payload); err != nil {
		log.Printf("[hud] split publish failed: %v", err)
	}
}

func (s *State) persistLap(driver string, sessionID int, row timing.LapRow) {
	rr := records.LapRow{
		Driver:         driver,
		SessionID:      sessionID,
		LapNumber:      row.LapNumber,
		LapTimeSec:     row.LapTimeSec,
		SplitsSec:      [3]float64(row.SplitsSec),
		CompletedAtSec: row.CompletedAtSec,
	}
	if err := s.records.AddLap(driver, rr); err != nil {
		log.Printf("[hud] add lap failed: %v", err)
	}

	if s.mx != nil {
		s.mx.LapsTotal.WithLabelValues(driver).Inc()
		if best, ok := s.timingSt.BestLap(); ok {
			s.mx.BestLapSeconds.WithLabelValues(driver).Set(best)
		}
	}
	if s.influx != nil {
		s.influx.WriteLap(driver, sessionID, row.LapNumber, row.LapTimeSec, [3]float64(row.SplitsSec))
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":            "lap",
		"driver":           driver,
		"session_id":       sessionID,
		"lap_number":       row.LapNumber,
		"lap_time_sec":     row.LapTimeSec,
		"splits_sec":       row.SplitsSec,
		"completed_at_sec": row.CompletedAtSec,
	})
	if err != nil || s.events == nil {
		return
	}
	if err := s.events.PublishEvent(driver, "laps", payload); err != nil {
		log.Printf("[hud] lap publish failed: %v", err)
	}
}

func fixTsSeconds(fix gpsingress.GpsFix) float64 {
	if fix.TsNs != nil {
		return float64(*fix.TsNs) / 1e9
	}
	return float64(time.Now().UnixNano()) / 1e9
}

type errInvalidDriver string

func (e errInvalidDriver) Error() string { return "unknown driver: " + string(e) }
