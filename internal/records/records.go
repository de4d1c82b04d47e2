// Package records persists per-driver lap history atomically to disk and
// computes benchmark (best lap / best splits) summaries on demand.
package records

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/nanoadmin/subaru-telemetry/internal/telemetryerrors"
	"github.com/nanoadmin/subaru-telemetry/internal/timing"
)

// Roster is the fixed, small set of selectable drivers, mirroring the
// platform's existing fixed-roster pattern rather than free-form
// registration.
var Roster = []string{"driver1", "driver2", "driver3", "driver4", "driver5"}

// LapRow is a single persisted lap.
type LapRow struct {
	Driver         string         `json:"driver"`
	SessionID      int            `json:"session_id"`
	LapNumber      int            `json:"lap_number"`
	LapTimeSec     float64        `json:"lap_time_sec"`
	SplitsSec      [3]float64     `json:"splits_sec"`
	CompletedAtSec float64        `json:"completed_at_sec"`
}

type session struct {
	Laps        []LapRow `json:"laps"`
	CreatedAtSec float64 `json:"created_at_sec"`
}

type driverDoc struct {
	CurrentSessionID int                `json:"current_session_id"`
	Sessions         map[string]*session `json:"sessions"`
}

type document struct {
	Drivers map[string]*driverDoc `json:"drivers"`
}

// Benchmarks summarizes the qualifying-lap statistics for a driver.
type Benchmarks struct {
	BestLap           float64
	HaveBestLap        bool
	BestSplits         [3]float64
	BestSplitSegments  [3]float64
}

// Store is a JSON-backed, atomically-written lap journal.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads path if present, or starts with an empty document.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: document{Drivers: map[string]*driverDoc{}}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, telemetryerrors.Wrap("records.open", telemetryerrors.KindConfigError, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, telemetryerrors.Wrap("records.open", telemetryerrors.KindConfigError, err)
	}
	if s.doc.Drivers == nil {
		s.doc.Drivers = map[string]*driverDoc{}
	}
	return s, nil
}

func (s *Store) driverLocked(driver string) *driverDoc {
	d, ok := s.doc.Drivers[driver]
	if !ok {
		d = &driverDoc{
			CurrentSessionID: 1,
			Sessions:         map[string]*session{"1": {}},
		}
		s.doc.Drivers[driver] = d
	}
	return d
}

// AddLap appends row to driver's current session and persists.
func (s *Store) AddLap(driver string, row LapRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.driverLocked(driver)
	key := sessionKey(d.CurrentSessionID)
	sess, ok := d.Sessions[key]
	if !ok {
		sess = &session{}
		d.Sessions[key] = sess
	}
	row.SessionID = d.CurrentSessionID
	sess.Laps = append(sess.Laps, row)

	return s.saveLocked()
}

// CurrentSessionID returns driver's active session id, creating the
// driver's record (session 1) if this is the first time it's been seen.
func (s *Store) CurrentSessionID(driver string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driverLocked(driver).CurrentSessionID
}

// ResetSession starts a new, empty session for driver and returns its id.
func (s *Store) ResetSession(driver string, nowSec float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.driverLocked(driver)
	d.CurrentSessionID++
	d.Sessions[sessionKey(d.CurrentSessionID)] = &session{CreatedAtSec: nowSec}

	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	return d.CurrentSessionID, nil
}

// Benchmarks scans all of driver's laps and computes best-lap / best-split
// statistics over laps that meet timing.MinValidLapSec.
func (s *Store) Benchmarks(driver string) Benchmarks {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := Benchmarks{
		BestSplits:        [3]float64{math.NaN(), math.NaN(), math.NaN()},
		BestSplitSegments: [3]float64{math.NaN(), math.NaN(), math.NaN()},
	}

	d, ok := s.doc.Drivers[driver]
	if !ok {
		return b
	}
	for _, sess := range d.Sessions {
		for _, lap := range sess.Laps {
			if lap.LapTimeSec < timing.MinValidLapSec {
				continue
			}
			if !b.HaveBestLap || lap.LapTimeSec < b.BestLap {
				b.BestLap = lap.LapTimeSec
				b.HaveBestLap = true
			}
			prev := 0.0
			for i := 0; i < 3; i++ {
				if math.IsNaN(lap.SplitsSec[i]) {
					continue
				}
				if math.IsNaN(b.BestSplits[i]) || lap.SplitsSec[i] < b.BestSplits[i] {
					b.BestSplits[i] = lap.SplitsSec[i]
				}
				seg := lap.SplitsSec[i] - prev
				if math.IsNaN(b.BestSplitSegments[i]) || seg < b.BestSplitSegments[i] {
					b.BestSplitSegments[i] = seg
				}
				prev = lap.SplitsSec[i]
			}
		}
	}
	return b
}

// Recent returns the last lap of driver's current session (falling back to
// the globally latest lap by CompletedAtSec), and the current session's lap
// count.
func (s *Store) Recent(driver string) (lap LapRow, ok bool, sessionLapCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.doc.Drivers[driver]
	if !exists {
		return LapRow{}, false, 0
	}

	key := sessionKey(d.CurrentSessionID)
	if sess, ok := d.Sessions[key]; ok && len(sess.Laps) > 0 {
		return sess.Laps[len(sess.Laps)-1], true, len(sess.Laps)
	}

	var latest LapRow
	found := false
	for _, sess := range d.Sessions {
		for _, l := range sess.Laps {
			if !found || l.CompletedAtSec > latest.CompletedAtSec {
				latest = l
				found = true
			}
		}
	}
	return latest, found, 0
}

// SessionRecord is the read-only, exported mirror of a driver's session,
// for serving GET /records.
type SessionRecord struct {
	Laps         []LapRow `json:"laps"`
	CreatedAtSec float64  `json:"created_at_sec"`
}

// DriverSessions returns driver's current session id and every persisted
// session keyed by session id string.
func (s *Store) DriverSessions(driver string) (currentSessionID int, sessions map[string]SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.doc.Drivers[driver]
	if !ok {
		return 0, map[string]SessionRecord{}
	}
	out := make(map[string]SessionRecord, len(d.Sessions))
	for k, sess := range d.Sessions {
		out[k] = SessionRecord{Laps: sess.Laps, CreatedAtSec: sess.CreatedAtSec}
	}
	return d.CurrentSessionID, out
}

func sessionKey(id int) string {
	return strconv.Itoa(id)
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return telemetryerrors.Wrap("records.save", telemetryerrors.KindTransientIO, err)
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.doc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return telemetryerrors.Wrap("records.save", telemetryerrors.KindTransientIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return telemetryerrors.Wrap("records.save", telemetryerrors.KindTransientIO, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return telemetryerrors.Wrap("records.save", telemetryerrors.KindTransientIO, err)
	}
	return nil
}
