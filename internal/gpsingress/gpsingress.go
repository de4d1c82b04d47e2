// Package gpsingress subscribes to the bus's GPS topic and turns each
// message into a validated GpsFix, handling the bus's duck-typed JSON
// payloads with explicit optionality rather than zero-valuing missing
// fields: every optional field is a pointer, nil means absent, and
// validation happens once at this ingress edge.
package gpsingress

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nanoadmin/subaru-telemetry/internal/telemetryerrors"
)

// GpsFix is the validated, internally-used fix. Lat/Lon are the only
// fields guaranteed present; everything else is optional and carried as a
// pointer so "absent" is never confused with a real zero value.
type GpsFix struct {
	Lat        float64
	Lon        float64
	TsNs       *int64
	FixQuality *int
	Sats       *int
	Hdop       *float64
	AltM       *float64
	SpeedMps   *float64
	TrackDeg   *float64
}

type wireFix struct {
	TsNs       *int64   `json:"ts_ns"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	FixQuality *int     `json:"fixq"`
	Sats       *int     `json:"sats"`
	Hdop       *float64 `json:"hdop"`
	AltM       *float64 `json:"alt_m"`
	SpeedMps   *float64 `json:"speed_mps"`
	TrackDeg   *float64 `json:"track_deg"`
}

// ParseFix validates a raw GPS payload: lat and lon must both be present
// numbers; every other field is passed through as-is, absent or not.
func ParseFix(payload []byte) (GpsFix, error) {
	var w wireFix
	if err := json.Unmarshal(payload, &w); err != nil {
		return GpsFix{}, telemetryerrors.Wrap("gpsingress.parse", telemetryerrors.KindDomainReject, err)
	}
	if w.Lat == nil || w.Lon == nil {
		return GpsFix{}, telemetryerrors.New("gpsingress.parse", telemetryerrors.KindDomainReject,
			"missing lat/lon")
	}
	return GpsFix{
		Lat:        *w.Lat,
		Lon:        *w.Lon,
		TsNs:       w.TsNs,
		FixQuality: w.FixQuality,
		Sats:       w.Sats,
		Hdop:       w.Hdop,
		AltM:       w.AltM,
		SpeedMps:   w.SpeedMps,
		TrackDeg:   w.TrackDeg,
	}, nil
}

// FixSink receives each validated fix. Kept as a small interface so this
// package never imports the HUD state it feeds.
type FixSink interface {
	IngestFix(GpsFix)
}

// Subscriber owns its own MQTT connection to the GPS topic — the bus
// activity described in §5 as "an MQTT subscription that invokes a
// callback per message", independent of the telemetry publisher's
// connection so a slow GPS publisher never blocks sample publishing.
type Subscriber struct {
	client mqtt.Client
	topic  string
	qos    byte
	sink   FixSink
}

// New builds a Subscriber. Call Run to connect and subscribe; it retries
// with a fixed backoff until the done channel passed to Run is closed.
func New(brokerURL, clientID, topic string, qos byte, sink FixSink) *Subscriber {
	s := &Subscriber{topic: topic, qos: qos, sink: sink}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[gpsingress] connection lost: %v", err)
		})
	s.client = mqtt.NewClient(opts)
	return s
}

// Run connects and subscribes, retrying every 5s until it succeeds or done
// is closed. GPS ingress tolerates a slow start; the telemetry loop does not
// wait on it.
func (s *Subscriber) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		token := s.client.Connect()
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			break
		}
		log.Printf("[gpsingress] connect retry: %v", token.Error())
		time.Sleep(5 * time.Second)
	}

	s.client.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		fix, err := ParseFix(msg.Payload())
		if err != nil {
			log.Printf("[gpsingress] dropped malformed fix: %v", err)
			return
		}
		s.sink.IngestFix(fix)
	})
	log.Printf("[gpsingress] subscribed to %s", s.topic)

	<-done
	s.client.Disconnect(250)
}

// String renders a fix compactly for logging.
func (f GpsFix) String() string {
	return fmt.Sprintf("lat=%.6f lon=%.6f", f.Lat, f.Lon)
}
