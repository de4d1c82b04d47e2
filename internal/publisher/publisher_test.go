package publisher

import (
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoadmin/subaru-telemetry/internal/spool"
)

// fakeToken is a completed mqtt.Token with a fixed error.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

type fakeClient struct {
	connectErr     error
	publishErr     error
	publishedCount int
}

func (f *fakeClient) Connect() mqtt.Token { return &fakeToken{err: f.connectErr} }
func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.publishedCount++
	return &fakeToken{err: f.publishErr}
}
func (f *fakeClient) Disconnect(quiesceMs uint) {}

func testOpts() Options {
	return Options{
		BrokerURL:           "tcp://unused:1883",
		ClientID:            "test",
		BaseTopic:           "subaru/telemetry",
		StatusTopic:         "subaru/telemetry/status",
		DtcTopic:            "subaru/telemetry/dtc",
		EventsBase:          "subaru/events",
		QoS:                 1,
		Retain:              true,
		BackoffMinSec:       1,
		BackoffMaxSec:       8,
		ConnectTimeoutSec:   1,
		AckTimeoutSec:       1,
		StatusAckTimeoutSec: 1,
		FlushPerLoop:        10,
	}
}

func newTestSpool(t *testing.T) *spool.Spool {
	t.Helper()
	return spool.New(filepath.Join(t.TempDir(), "spool.jsonl"), 1000)
}

func TestEnsureConnectedSucceeds(t *testing.T) {
	fc := &fakeClient{}
	p := newWithClient(testOpts(), nil, fc)
	require.NoError(t, p.EnsureConnected())
	assert.True(t, p.Connected())
}

func TestEnsureConnectedBacksOffOnFailure(t *testing.T) {
	fc := &fakeClient{connectErr: assertErr("refused")}
	p := newWithClient(testOpts(), nil, fc)

	err := p.EnsureConnected()
	assert.Error(t, err)
	assert.False(t, p.Connected())
	assert.InDelta(t, 1.5, p.backoff, 0.0001)

	_ = p.EnsureConnected()
	assert.InDelta(t, 2.25, p.backoff, 0.0001)
}

func TestEnsureConnectedBackoffCapsAtMax(t *testing.T) {
	fc := &fakeClient{connectErr: assertErr("refused")}
	opts := testOpts()
	opts.BackoffMaxSec = 2
	p := newWithClient(opts, nil, fc)

	for i := 0; i < 10; i++ {
		_ = p.EnsureConnected()
	}
	assert.LessOrEqual(t, p.backoff, 2.0)
}

func TestPublishSampleSpoolsOnFailure(t *testing.T) {
	fc := &fakeClient{publishErr: assertErr("no ack")}
	sp := newTestSpool(t)
	p := newWithClient(testOpts(), sp, fc)
	p.connected = true

	err := p.PublishSample([]byte(`{"seq":1}`), map[string]float64{"rpm": 3000})
	assert.Error(t, err)
	assert.False(t, p.Connected())

	depth, derr := sp.Depth()
	require.NoError(t, derr)
	assert.Equal(t, 1, depth)
}

func TestPublishSampleNotConnectedSpoolsWithoutWireCall(t *testing.T) {
	fc := &fakeClient{}
	sp := newTestSpool(t)
	p := newWithClient(testOpts(), sp, fc)

	err := p.PublishSample([]byte(`{"seq":1}`), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, fc.publishedCount)

	depth, _ := sp.Depth()
	assert.Equal(t, 1, depth)
}

func TestFlushSpoolMalformedLineCountedAsSent(t *testing.T) {
	fc := &fakeClient{}
	sp := newTestSpool(t)
	require.NoError(t, sp.Append([]byte(`not json`)))
	p := newWithClient(testOpts(), sp, fc)
	p.connected = true

	sent, err := p.FlushSpool()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	depth, _ := sp.Depth()
	assert.Equal(t, 0, depth)
}

func TestFlushSpoolAbortsOnFirstRealFailure(t *testing.T) {
	fc := &fakeClient{publishErr: assertErr("down")}
	sp := newTestSpool(t)
	require.NoError(t, sp.Append([]byte(`{"metrics":{"rpm":3000}}`)))
	require.NoError(t, sp.Append([]byte(`{"metrics":{"rpm":3100}}`)))
	p := newWithClient(testOpts(), sp, fc)
	p.connected = true

	sent, err := p.FlushSpool()
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	depth, _ := sp.Depth()
	assert.Equal(t, 2, depth)
}

func TestFlushSpoolNoOpWhenDisconnected(t *testing.T) {
	fc := &fakeClient{}
	sp := newTestSpool(t)
	require.NoError(t, sp.Append([]byte(`{"metrics":{}}`)))
	p := newWithClient(testOpts(), sp, fc)

	sent, err := p.FlushSpool()
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	depth, _ := sp.Depth()
	assert.Equal(t, 1, depth)
}

func TestExtractMetricsOnlyNumeric(t *testing.T) {
	sample := map[string]interface{}{
		"metrics": map[string]interface{}{
			"rpm":  3000.0,
			"name": "not a number",
		},
	}
	got := extractMetrics(sample)
	assert.Equal(t, map[string]float64{"rpm": 3000.0}, got)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
