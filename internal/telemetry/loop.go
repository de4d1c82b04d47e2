// Package telemetry drives the serial ECU poll loop: handshake, parameter
// catalog selection, chunked reads, decode, publish, and the independent
// DTC and status cadences, all as one context.Context-driven goroutine the
// way the platform's existing polling loops are structured.
package telemetry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanoadmin/subaru-telemetry/internal/config"
	"github.com/nanoadmin/subaru-telemetry/internal/dtc"
	"github.com/nanoadmin/subaru-telemetry/internal/metrics"
	"github.com/nanoadmin/subaru-telemetry/internal/paramcatalog"
	"github.com/nanoadmin/subaru-telemetry/internal/publisher"
	"github.com/nanoadmin/subaru-telemetry/internal/spool"
	"github.com/nanoadmin/subaru-telemetry/internal/ssm2"
	"github.com/nanoadmin/subaru-telemetry/internal/telemetryerrors"
)

// State is the TelemetryLoop's coarse operating state, mirrored into the
// telemetry_loop_state gauge (0=init, 1=run, 2=degraded).
type State int

const (
	StateInit State = iota
	StateRun
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateRun:
		return "run"
	case StateDegraded:
		return "degraded"
	default:
		return "init"
	}
}

const (
	requestTimeout   = 200 * time.Millisecond
	handshakeTimeout = 1 * time.Second
	initBackoffSec   = 1.0
	maxBackoffSec    = 30.0
	historyDepth     = 50
)

// SampleSink receives every sample as it is produced, decoupling the loop
// from whatever consumes it (the HUD's combined snapshot).
type SampleSink interface {
	OnSample(Sample)
}

// Loop owns the serial device exclusively and is the only thing that reads
// or writes it; no concurrent access is permitted.
type Loop struct {
	cfg   *config.Config
	doc   *paramcatalog.Document
	spool *spool.Spool
	pub   *publisher.Publisher
	mx    *metrics.Registry
	sink  SampleSink

	dtcDefsPath string
	obdEntries  []dtc.Entry
	subEntries  []dtc.Entry

	mu          sync.Mutex
	state       State
	link        ssm2.SerialLink
	client      *ssm2.Client
	rom         *ssm2.RomIdentity
	ecuType     string
	params      []paramcatalog.ParamDef
	fmtObd2     bool
	dtcPairs    []dtc.AddrPair
	dtcCatalog  *dtc.Catalog
	backoff     float64
	nextInit    time.Time
	lastErr     string
	samplesOK   uint64
	samplesSp   uint64
	samplesFail uint64
	serialFails uint64
	mqttFails   uint64
	dtcCurrHits int
	dtcHistHits int
	history     []Sample
	seq         uint64
}

// New builds a Loop. The parameter-definition document and DTC definitions
// file are loaded once at startup (ConfigError is fatal if either is
// missing or malformed); the serial handshake itself happens lazily on the
// first Run tick.
func New(cfg *config.Config, sp *spool.Spool, pub *publisher.Publisher, mx *metrics.Registry, sink SampleSink) (*Loop, error) {
	doc, err := paramcatalog.Load(cfg.ParamCatalog.DefsPath)
	if err != nil {
		return nil, err
	}

	obdEntries, err := dtc.LoadRawDefsFile(cfg.Dtc.DefsPath, dtc.DefsSymbolFor(true))
	if err != nil {
		return nil, err
	}
	subEntries, err := dtc.LoadRawDefsFile(cfg.Dtc.DefsPath, dtc.DefsSymbolFor(false))
	if err != nil {
		return nil, err
	}

	return &Loop{
		cfg:         cfg,
		doc:         doc,
		spool:       sp,
		pub:         pub,
		mx:          mx,
		sink:        sink,
		dtcDefsPath: cfg.Dtc.DefsPath,
		obdEntries:  obdEntries,
		subEntries:  subEntries,
		backoff:     initBackoffSec,
	}, nil
}

// Run drives the loop until ctx is cancelled. Three independent cadences
// (sample, DTC, status) are select-ed together with ctx.Done() so shutdown
// reaches all of them without a separate cancellation flag.
func (l *Loop) Run(ctx context.Context) {
	hz := l.cfg.ECU.PollHz
	if hz <= 0 {
		hz = 10
	}
	samplePeriod := time.Duration(float64(time.Second) / hz)
	dtcPeriod := time.Duration(l.cfg.Dtc.PollIntervalSec) * time.Second
	if dtcPeriod <= 0 {
		dtcPeriod = 300 * time.Second
	}
	statusPeriod := time.Duration(l.cfg.Mqtt.StatusIntervalSec * float64(time.Second))
	if statusPeriod <= 0 {
		statusPeriod = 10 * time.Second
	}

	sampleTicker := time.NewTicker(samplePeriod)
	dtcTicker := time.NewTicker(dtcPeriod)
	statusTicker := time.NewTicker(statusPeriod)
	defer sampleTicker.Stop()
	defer dtcTicker.Stop()
	defer statusTicker.Stop()

	log.Println("[telemetry] loop starting")
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-sampleTicker.C:
			l.tickSample()
		case <-dtcTicker.C:
			l.tickDTC()
		case <-statusTicker.C:
			l.tickStatus()
		}
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	link := l.link
	l.link = nil
	l.mu.Unlock()
	if link != nil {
		link.Close()
	}
	l.pub.Disconnect()
	log.Println("[telemetry] loop stopped")
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed {
		log.Printf("[telemetry] state -> %s", s)
	}
	switch s {
	case StateRun:
		l.mx.LoopState.Set(metrics.LoopStateRun)
	case StateDegraded:
		l.mx.LoopState.Set(metrics.LoopStateDegraded)
	default:
		l.mx.LoopState.Set(metrics.LoopStateInit)
	}
}

// State reports the loop's current coarse state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	l.lastErr = err.Error()
	l.mu.Unlock()
}

// tickSample drives one sample period: (re)init if not running, else read,
// decode, and publish a sample.
func (l *Loop) tickSample() {
	l.mu.Lock()
	state := l.state
	next := l.nextInit
	l.mu.Unlock()

	if state != StateRun {
		if time.Now().Before(next) {
			return
		}
		if err := l.tryInit(); err != nil {
			l.mx.SerialFailures.Inc()
			l.recordError(err)
			l.mu.Lock()
			l.serialFails++
			l.backoff = math.Min(l.backoff*1.5, maxBackoffSec)
			l.nextInit = time.Now().Add(time.Duration(l.backoff * float64(time.Second)))
			l.mu.Unlock()
			l.setState(StateDegraded)
			log.Printf("[telemetry] init failed, retry in %.1fs: %v", l.backoff, err)
			return
		}
		l.mu.Lock()
		l.backoff = initBackoffSec
		l.mu.Unlock()
		l.setState(StateRun)
	}

	l.runSample()
}

func (l *Loop) tryInit() error {
	link := ssm2.NewSerialPort(l.cfg.ECU.Port, l.cfg.ECU.Baud)
	if err := link.Open(); err != nil {
		return telemetryerrors.Wrap("telemetry.init.open", telemetryerrors.KindTimeout, err)
	}

	client := ssm2.NewClient(link, byte(l.cfg.ECU.ECUAddr), byte(l.cfg.ECU.PadAddr))
	rom, err := client.GetCUData(handshakeTimeout)
	if err != nil {
		link.Close()
		return err
	}

	romHex := rom.RomIDHex()
	params, err := paramcatalog.BuildForRom(l.doc, romHex, l.cfg.ParamCatalog.Profile)
	if err != nil {
		link.Close()
		return err
	}

	fmtObd2, pairs := dtc.EnumerateSupportedAddrPairs(rom.Flagbytes)
	entries := l.subEntries
	if fmtObd2 {
		entries = l.obdEntries
	}
	catalog := dtc.NewCatalog(entries)

	l.mu.Lock()
	l.link = link
	l.client = client
	l.rom = rom
	l.ecuType = l.doc.ECUType(romHex)
	l.params = params
	l.fmtObd2 = fmtObd2
	l.dtcPairs = pairs
	l.dtcCatalog = catalog
	l.mu.Unlock()

	log.Printf("[telemetry] handshake ok rom=%s params=%d dtc_pairs=%d", romHex, len(params), len(pairs))
	return nil
}

func (l *Loop) runSample() {
	l.mu.Lock()
	client := l.client
	params := l.params
	rom := l.rom
	ecuType := l.ecuType
	l.mu.Unlock()

	addrs := addressesFor(params)
	values, err := client.ReadChunked(addrs, ssm2.ReadChunkedOptions{
		ChunkSize:  l.cfg.ECU.ChunkSize,
		Retries:    l.cfg.ECU.ReadRetries,
		InterDelay: time.Duration(l.cfg.ECU.ReadInterDelayMs) * time.Millisecond,
		Timeout:    requestTimeout,
		BestEffort: true,
	})
	if err != nil {
		l.mx.SerialFailures.Inc()
		l.recordError(err)
		l.mu.Lock()
		l.serialFails++
		l.link.Close()
		l.link = nil
		l.backoff = initBackoffSec
		l.nextInit = time.Now().Add(time.Duration(initBackoffSec * float64(time.Second)))
		l.mu.Unlock()
		l.setState(StateDegraded)
		log.Printf("[telemetry] read failed, degrading: %v", err)
		return
	}

	metricsOut, unitsOut := decodeAll(params, values)
	seq := atomic.AddUint64(&l.seq, 1)
	sample := newSample(seq, hex.EncodeToString(rom.SysID), rom.RomIDHex(), ecuType, l.cfg.ParamCatalog.Profile, metricsOut, unitsOut)
	sampleJSON, err := json.Marshal(sample)
	if err != nil {
		l.recordError(err)
		return
	}

	if err := l.pub.EnsureConnected(); err == nil {
		if sent, ferr := l.pub.FlushSpool(); ferr != nil {
			log.Printf("[telemetry] spool flush error: %v", ferr)
		} else if sent > 0 {
			log.Printf("[telemetry] flushed %d spooled samples", sent)
		}
	}

	if err := l.pub.PublishSample(sampleJSON, metricsOut); err != nil {
		l.mx.MqttFailures.Inc()
		l.mx.SamplesTotal.WithLabelValues("spooled").Inc()
		l.mu.Lock()
		l.mqttFails++
		l.samplesSp++
		l.mu.Unlock()
	} else {
		l.mx.SamplesTotal.WithLabelValues("ok").Inc()
		l.mu.Lock()
		l.samplesOK++
		l.mu.Unlock()
	}

	if depth, derr := l.spool.Depth(); derr == nil {
		l.mx.SpoolDepth.Set(float64(depth))
	}

	l.pushHistory(sample)
	if l.sink != nil {
		l.sink.OnSample(sample)
	}
	l.writeHeartbeatFile()
}

func (l *Loop) pushHistory(s Sample) {
	l.mu.Lock()
	l.history = append(l.history, s)
	if len(l.history) > historyDepth {
		l.history = l.history[len(l.history)-historyDepth:]
	}
	l.mu.Unlock()
}

func (l *Loop) tickDTC() {
	l.mu.Lock()
	client := l.client
	pairs := l.dtcPairs
	catalog := l.dtcCatalog
	rom := l.rom
	fmtObd2 := l.fmtObd2
	state := l.state
	l.mu.Unlock()

	if state != StateRun || client == nil || catalog == nil {
		return
	}

	addrs := dtc.AddrSet(pairs)
	values, err := client.ReadChunked(addrs, ssm2.ReadChunkedOptions{
		ChunkSize:  l.cfg.ECU.ChunkSize,
		Retries:    l.cfg.ECU.ReadRetries,
		InterDelay: time.Duration(l.cfg.ECU.ReadInterDelayMs) * time.Millisecond,
		Timeout:    requestTimeout,
		BestEffort: true,
	})
	if err != nil {
		l.mx.DtcPollsTotal.WithLabelValues("failed").Inc()
		log.Printf("[telemetry] dtc poll failed: %v", err)
		return
	}

	current := catalog.DecodeHits(pairs, values, false)
	historic := catalog.DecodeHits(pairs, values, true)
	l.mx.DtcPollsTotal.WithLabelValues("ok").Inc()

	format := "subaru"
	if fmtObd2 {
		format = "obd2"
	}
	snap := DtcSnapshot{
		SysID:         hex.EncodeToString(rom.SysID),
		RomID:         rom.RomIDHex(),
		Format:        format,
		PairsTotal:    len(pairs),
		BytesRead:     len(values),
		BytesTotal:    len(addrs),
		CountCurrent:  len(current),
		CountHistoric: len(historic),
		Current:       hitCodes(current),
		Historic:      hitCodes(historic),
		Ts:            time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		l.recordError(err)
		return
	}
	if err := l.pub.PublishDtc(payload); err != nil {
		log.Printf("[telemetry] dtc publish failed: %v", err)
	}

	l.mu.Lock()
	l.dtcCurrHits = len(current)
	l.dtcHistHits = len(historic)
	l.mu.Unlock()
}

func hitCodes(hits []dtc.Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Code)
	}
	return out
}

func (l *Loop) tickStatus() {
	hb := l.heartbeat()
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := l.pub.PublishStatus(payload); err != nil {
		log.Printf("[telemetry] status publish failed: %v", err)
	}
}

func (l *Loop) heartbeat() Heartbeat {
	l.mu.Lock()
	defer l.mu.Unlock()

	depth, _ := l.spool.Depth()
	romID := ""
	if l.rom != nil {
		romID = l.rom.RomIDHex()
	}
	return Heartbeat{
		State:          l.state.String(),
		Ts:             time.Now().UTC().Format(time.RFC3339),
		SamplesOK:      l.samplesOK,
		SamplesSpooled: l.samplesSp,
		SamplesFailed:  l.samplesFail,
		SerialFailures: l.serialFails,
		MqttFailures:   l.mqttFails,
		SpoolDepth:     depth,
		LastError:      l.lastErr,
		DtcCountCurr:   l.dtcCurrHits,
		DtcCountHist:   l.dtcHistHits,
		RomID:          romID,
		SeqLast:        l.seq,
	}
}

// writeHeartbeatFile persists the heartbeat atomically next to the spool
// file, so an operator can inspect loop health without an MQTT client.
func (l *Loop) writeHeartbeatFile() {
	path := l.cfg.Spool.Path + ".heartbeat.json"
	data, err := json.MarshalIndent(l.heartbeat(), "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}

// Snapshot returns the latest sample, seq, and bounded recent history for
// the HTTP surface's /latest endpoint.
func (l *Loop) Snapshot() (latest *Sample, history []Sample, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.history) == 0 {
		return nil, nil, l.seq
	}
	last := l.history[len(l.history)-1]
	hist := make([]Sample, len(l.history))
	copy(hist, l.history)
	return &last, hist, l.seq
}

func addressesFor(params []paramcatalog.ParamDef) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, p := range params {
		for i := 0; i < p.Size; i++ {
			a := p.Addr + uint32(i)
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return out
}

func decodeAll(params []paramcatalog.ParamDef, values map[uint32]byte) (map[string]float64, map[string]string) {
	metricsOut := make(map[string]float64, len(params))
	unitsOut := make(map[string]string, len(params))
	resolved := make(map[string]float64, len(params))

	for i := range params {
		p := &params[i]
		raw := make([]byte, p.Size)
		ok := true
		for j := 0; j < p.Size; j++ {
			b, found := values[p.Addr+uint32(j)]
			if !found {
				ok = false
				break
			}
			raw[j] = b
		}
		if !ok {
			continue
		}
		v, err := p.Decode(raw, resolved)
		if err != nil {
			continue
		}
		resolved[p.ID] = v
		metricsOut[p.TopicSlug] = v
		unitsOut[p.TopicSlug] = p.Unit
	}
	return metricsOut, unitsOut
}
