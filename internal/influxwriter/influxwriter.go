// Package influxwriter posts lap-timing line-protocol points to InfluxDB.
// It is the simplest possible transport for the format: a handful of
// escaped key=value lines over a plain HTTP POST, which is thinner than
// any client library in the platform's dependency stack.
package influxwriter

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nanoadmin/subaru-telemetry/internal/config"
)

// Writer posts line-protocol points to an InfluxDB v1 or v2 endpoint,
// selecting the auth/query-param shape once from cfg.Influx.Version.
// Failures are logged at most once per logWindow and never returned to
// the caller as something to retry — HudState/TelemetryLoop never block
// on this sink.
type Writer struct {
	client  *http.Client
	url     string
	version int
	db      string
	user    string
	pass    string
	token   string
	org     string
	bucket  string
	enabled bool

	mu        sync.Mutex
	lastLogAt time.Time
}

const logWindow = 10 * time.Second

// New builds a Writer from the influx section of the runtime config.
func New(cfg config.InfluxConfig) *Writer {
	return &Writer{
		client:  &http.Client{Timeout: 5 * time.Second},
		url:     cfg.URL,
		version: cfg.Version,
		db:      cfg.DB,
		user:    cfg.Username,
		pass:    cfg.Password,
		token:   cfg.Token,
		org:     cfg.Org,
		bucket:  cfg.Bucket,
		enabled: cfg.Enabled,
	}
}

// WriteSplit posts one point to the driver_splits measurement.
func (w *Writer) WriteSplit(driver string, sessionID, splitIndex int, cumulativeSec, segmentSec float64) {
	if !w.enabled {
		return
	}
	line := fmt.Sprintf("driver_splits,driver=%s,session_id=%d,split_index=%d cumulative_sec=%s,segment_sec=%s",
		escapeTag(driver), sessionID, splitIndex, formatFloat(cumulativeSec), formatFloat(segmentSec))
	go w.post(line)
}

// WriteLap posts one point to the driver_laps measurement.
func (w *Writer) WriteLap(driver string, sessionID, lapNumber int, lapTimeSec float64, splitsSec [3]float64) {
	if !w.enabled {
		return
	}
	line := fmt.Sprintf("driver_laps,driver=%s,session_id=%d lap_number=%di,lap_time_sec=%s,split1_sec=%s,split2_sec=%s,split3_sec=%s",
		escapeTag(driver), sessionID, lapNumber,
		formatFloat(lapTimeSec), formatFloat(splitsSec[0]), formatFloat(splitsSec[1]), formatFloat(splitsSec[2]))
	go w.post(line)
}

func (w *Writer) post(line string) {
	req, err := w.buildRequest(line)
	if err != nil {
		w.logFailure(err)
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.logFailure(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logFailure(fmt.Errorf("influx write: status %d", resp.StatusCode))
	}
}

func (w *Writer) buildRequest(line string) (*http.Request, error) {
	switch w.version {
	case 2:
		req, err := http.NewRequest(http.MethodPost, strings.TrimRight(w.url, "/")+"/api/v2/write?org="+url.QueryEscape(w.org)+"&bucket="+url.QueryEscape(w.bucket), bytes.NewBufferString(line))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Token "+w.token)
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		return req, nil
	default:
		q := url.Values{}
		q.Set("db", w.db)
		if w.user != "" {
			q.Set("u", w.user)
			q.Set("p", w.pass)
		}
		req, err := http.NewRequest(http.MethodPost, strings.TrimRight(w.url, "/")+"/write?"+q.Encode(), bytes.NewBufferString(line))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		return req, nil
	}
}

func (w *Writer) logFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastLogAt) < logWindow {
		return
	}
	w.lastLogAt = time.Now()
	log.Printf("[influxwriter] write failed: %v", err)
}

func escapeTag(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, ",", `\,`)
	v = strings.ReplaceAll(v, " ", `\ `)
	v = strings.ReplaceAll(v, "=", `\=`)
	return v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
