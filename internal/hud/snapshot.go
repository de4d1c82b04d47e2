package hud

import (
	"math"

	"github.com/nanoadmin/subaru-telemetry/internal/records"
	"github.com/nanoadmin/subaru-telemetry/internal/telemetry"
	"github.com/nanoadmin/subaru-telemetry/internal/timing"
	"github.com/nanoadmin/subaru-telemetry/internal/track"
)

// TimingSnapshot is the JSON-friendly view of the active driver's lap
// timing, with "not yet known" values represented as nil rather than NaN
// so they serialize as JSON null.
type TimingSnapshot struct {
	Armed             bool     `json:"armed"`
	LapCount          int      `json:"lap_count"`
	LastLapSec        *float64 `json:"last_lap_sec"`
	BestLapSec        *float64 `json:"best_lap_sec"`
	LastSplitsSec     [3]*float64 `json:"last_splits_sec"`
	BestSplitsSec     [3]*float64 `json:"best_splits_sec"`
	BestSegmentsSec   [3]*float64 `json:"best_split_segments_sec"`
	SplitDeltaSec     *float64 `json:"split_delta_sec"`
}

// LatestResponse is the GET /latest payload: the latest telemetry sample,
// bounded recent history, current timing, and driver roster state.
type LatestResponse struct {
	Topic   string             `json:"topic"`
	Seq     uint64             `json:"seq"`
	Latest  *telemetry.Sample  `json:"latest"`
	History []telemetry.Sample `json:"history"`
	Timing  TimingSnapshot     `json:"timing"`
	Driver  string             `json:"driver"`
	Drivers []string           `json:"drivers"`
}

// MetaResponse is the GET /meta payload: static track geometry for the
// dashboard to render once.
type MetaResponse struct {
	Points       []track.Point `json:"points"`
	Start        track.Point   `json:"start"`
	SplitMarkers []track.Point `json:"split_markers"`
	Center       track.Point   `json:"center"`
	TotalLenM    float64       `json:"total_len_m"`
}

// Latest builds the /latest response under the shared lock.
func (s *State) Latest(baseTopic string) LatestResponse {
	latest, history, seq := s.samples.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := TimingSnapshot{
		Armed:    s.timingSt.IsArmed(),
		LapCount: s.timingSt.LapCount(),
	}
	if v, ok := s.timingSt.LastLap(); ok {
		ts.LastLapSec = &v
	}
	if v, ok := s.timingSt.BestLap(); ok {
		ts.BestLapSec = &v
	}
	ts.LastSplitsSec = splitsToPtrs(s.timingSt.LastSplits())
	ts.BestSplitsSec = splitsToPtrs(s.timingSt.BestSplits())
	ts.BestSegmentsSec = splitsToPtrs(s.timingSt.BestSplitSegments())

	if s.lastFix != nil {
		if delta, ok := s.timingSt.SplitDelta(fixTsSeconds(*s.lastFix)); ok && math.Abs(delta) >= SplitDeadbandSec {
			ts.SplitDeltaSec = &delta
		}
	}

	return LatestResponse{
		Topic:   baseTopic,
		Seq:     seq,
		Latest:  latest,
		History: history,
		Timing:  ts,
		Driver:  s.driver,
		Drivers: rosterCopy(),
	}
}

func rosterCopy() []string {
	out := make([]string, len(records.Roster))
	copy(out, records.Roster)
	return out
}

// Meta builds the /meta response: the track polyline plus the start line
// and three split markers derived from cumulative arclength.
func (s *State) Meta() MetaResponse {
	s.mu.Lock()
	t := s.track
	s.mu.Unlock()

	n := len(t.Points)
	lat, lon := 0.0, 0.0
	for _, p := range t.Points {
		lat += p.Lat
		lon += p.Lon
	}
	center := track.Point{}
	if n > 0 {
		center = track.Point{Lat: lat / float64(n), Lon: lon / float64(n)}
	}

	return MetaResponse{
		Points:    t.Points,
		Start:     t.PointAtS(0),
		Center:    center,
		TotalLenM: t.TotalLenM,
		SplitMarkers: []track.Point{
			t.PointAtS(t.TotalLenM / 3),
			t.PointAtS(2 * t.TotalLenM / 3),
			t.PointAtS(t.TotalLenM),
		},
	}
}

func splitsToPtrs(sp timing.Splits) [3]*float64 {
	var out [3]*float64
	for i, v := range sp {
		if !math.IsNaN(v) {
			val := v
			out[i] = &val
		}
	}
	return out
}
