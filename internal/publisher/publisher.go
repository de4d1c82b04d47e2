// Package publisher wraps an MQTT client with explicit reconnect attempts
// (tracking an exponential backoff value), per-publish ack waits, and opportunistic spool
// draining — the platform's reliable-delivery story for a bus that can
// legitimately be offline for long stretches mid-race.
package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nanoadmin/subaru-telemetry/internal/spool"
	"github.com/nanoadmin/subaru-telemetry/internal/telemetryerrors"
)

// Options configures a Publisher. Field meanings mirror RuntimeConfig.Mqtt.
type Options struct {
	BrokerURL           string
	ClientID            string
	BaseTopic           string
	StatusTopic         string
	DtcTopic            string
	EventsBase          string
	QoS                 byte
	Retain              bool
	BackoffMinSec       float64
	BackoffMaxSec       float64
	ConnectTimeoutSec   float64
	AckTimeoutSec       float64
	StatusAckTimeoutSec float64
	FlushPerLoop        int
}

// wireClient is the slice of mqtt.Client this package depends on. Real
// use gets paho's client directly; tests inject a fake to exercise
// backoff and flush logic without a broker.
type wireClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesceMs uint)
}

// Publisher owns one MQTT client connection and reconnects only through
// EnsureConnected — the client library's built-in auto-reconnect is
// disabled so that connection-state bookkeeping stays in this type.
type Publisher struct {
	opts   Options
	spool  *spool.Spool
	client wireClient

	mu        sync.Mutex
	connected bool
	backoff   float64
}

// New builds a Publisher. The MQTT client is constructed but not yet
// connected; call EnsureConnected to start the reconnect loop's first
// attempt.
func New(opts Options, sp *spool.Spool) *Publisher {
	if opts.FlushPerLoop <= 0 {
		opts.FlushPerLoop = 50
	}
	p := &Publisher{opts: opts, spool: sp, backoff: opts.BackoffMinSec}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(false).
		SetConnectTimeout(time.Duration(opts.ConnectTimeoutSec * float64(time.Second))).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()
			log.Printf("[publisher] connection lost: %v", err)
		})
	p.client = mqtt.NewClient(clientOpts)
	return p
}

// newWithClient builds a Publisher around an already-constructed
// wireClient, used by tests to inject a fake broker.
func newWithClient(opts Options, sp *spool.Spool, client wireClient) *Publisher {
	if opts.FlushPerLoop <= 0 {
		opts.FlushPerLoop = 50
	}
	return &Publisher{opts: opts, spool: sp, client: client, backoff: opts.BackoffMinSec}
}

// Connected reports the publisher's last known connection state.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// EnsureConnected attempts a connection if not already connected,
// advancing the backoff value (1.5x growth, capped at BackoffMaxSec) on
// each failed attempt and resetting it to BackoffMinSec on success. The
// backoff value is only recorded and logged: every call made while
// disconnected makes a connect attempt without waiting.
func (p *Publisher) EnsureConnected() error {
	if p.Connected() {
		return nil
	}

	token := p.client.Connect()
	ok := token.WaitTimeout(time.Duration(p.opts.ConnectTimeoutSec * float64(time.Second)))
	if !ok || token.Error() != nil {
		p.mu.Lock()
		p.connected = false
		backoff := p.backoff
		p.backoff = math.Min(p.backoff*1.5, p.opts.BackoffMaxSec)
		p.mu.Unlock()

		var err error
		if token.Error() != nil {
			err = token.Error()
		} else {
			err = fmt.Errorf("connect timed out after %.1fs", p.opts.ConnectTimeoutSec)
		}
		log.Printf("[publisher] connect failed (backoff %.1fs): %v", backoff, err)
		return telemetryerrors.Wrap("publisher.connect", telemetryerrors.KindTransientIO, err)
	}

	p.mu.Lock()
	p.connected = true
	p.backoff = p.opts.BackoffMinSec
	p.mu.Unlock()
	log.Println("[publisher] connected")
	return nil
}

// PublishSample fans the sample out to {base}/data (full JSON) and
// {base}/<slug> (scalar text) per metric. On any publish failure the
// sample is spooled in its entirety and the connection is marked down.
func (p *Publisher) PublishSample(sampleJSON []byte, metrics map[string]float64) error {
	if err := p.publishSampleFanout(sampleJSON, metrics); err != nil {
		return p.spoolAndMarkDown(sampleJSON, err)
	}
	return nil
}

// publishSampleFanout does the wire work without any spool side effect,
// so FlushSpool can retry an already-spooled line without duplicating it.
func (p *Publisher) publishSampleFanout(sampleJSON []byte, metrics map[string]float64) error {
	if err := p.publishWithAck(p.opts.BaseTopic+"/data", sampleJSON, p.opts.AckTimeoutSec); err != nil {
		return err
	}
	for slug, v := range metrics {
		topic := p.opts.BaseTopic + "/" + slug
		payload := []byte(strconv.FormatFloat(v, 'f', -1, 64))
		if err := p.publishWithAck(topic, payload, p.opts.AckTimeoutSec); err != nil {
			return err
		}
	}
	return nil
}

// PublishStatus sends a retained heartbeat with the shorter status ack
// timeout.
func (p *Publisher) PublishStatus(payload []byte) error {
	return p.publishWithAck(p.opts.StatusTopic, payload, p.opts.StatusAckTimeoutSec)
}

// PublishDtc sends a retained DTC snapshot.
func (p *Publisher) PublishDtc(payload []byte) error {
	return p.publishWithAck(p.opts.DtcTopic, payload, p.opts.AckTimeoutSec)
}

// PublishEvent sends a per-split or per-lap event under
// {events_base}/<driver>/<kind>.
func (p *Publisher) PublishEvent(driver, kind string, payload []byte) error {
	topic := p.opts.EventsBase + "/" + driver + "/" + kind
	return p.publishWithAck(topic, payload, p.opts.AckTimeoutSec)
}

func (p *Publisher) publishWithAck(topic string, payload []byte, timeoutSec float64) error {
	if !p.Connected() {
		return telemetryerrors.New("publisher.publish", telemetryerrors.KindUnavailable,
			"not connected")
	}
	token := p.client.Publish(topic, p.opts.QoS, p.opts.Retain, payload)
	if !token.WaitTimeout(time.Duration(timeoutSec * float64(time.Second))) {
		return telemetryerrors.New("publisher.publish", telemetryerrors.KindTransientIO,
			fmt.Sprintf("publish ack timeout on %s", topic))
	}
	if err := token.Error(); err != nil {
		return telemetryerrors.Wrap("publisher.publish", telemetryerrors.KindTransientIO, err)
	}
	return nil
}

func (p *Publisher) spoolAndMarkDown(sampleJSON []byte, cause error) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	if p.spool != nil {
		if err := p.spool.Append(sampleJSON); err != nil {
			log.Printf("[publisher] spool append failed: %v", err)
		}
	}
	return telemetryerrors.Wrap("publisher.publish_sample", telemetryerrors.KindTransientIO, cause)
}

// FlushSpool re-publishes up to FlushPerLoop head-of-queue spool lines in
// order. Malformed JSON lines are counted as sent (dropped) to avoid a
// poison line blocking the queue forever; the first genuine publish
// failure aborts the flush, leaving the remainder at the head.
func (p *Publisher) FlushSpool() (sent int, err error) {
	if p.spool == nil || !p.Connected() {
		return 0, nil
	}

	lines, err := p.spool.Peek(p.opts.FlushPerLoop)
	if err != nil {
		return 0, err
	}

	for _, line := range lines {
		var sample map[string]interface{}
		if jsonErr := json.Unmarshal([]byte(line), &sample); jsonErr != nil {
			sent++
			continue
		}
		metrics := extractMetrics(sample)
		if pubErr := p.publishSampleFanout([]byte(line), metrics); pubErr != nil {
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()
			break
		}
		sent++
	}

	if sent > 0 {
		if dropErr := p.spool.DropFirst(sent); dropErr != nil {
			return sent, dropErr
		}
	}
	return sent, nil
}

func extractMetrics(sample map[string]interface{}) map[string]float64 {
	out := map[string]float64{}
	raw, ok := sample["metrics"].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

// Disconnect tears down the MQTT connection cleanly.
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}
