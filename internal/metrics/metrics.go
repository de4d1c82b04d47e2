// Package metrics exposes the operator-facing Prometheus counters/gauges
// that mirror the MQTT status heartbeat. Both surfaces are driven off the
// same counters so they can never disagree.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the metric set and the /metrics HTTP handler.
type Registry struct {
	reg *prometheus.Registry

	SamplesTotal     *prometheus.CounterVec
	SerialFailures   prometheus.Counter
	MqttFailures     prometheus.Counter
	DtcPollsTotal    *prometheus.CounterVec
	SpoolDepth       prometheus.Gauge
	LoopState        prometheus.Gauge
	LapsTotal        *prometheus.CounterVec
	BestLapSeconds   *prometheus.GaugeVec
}

// LoopState gauge values, matching §6 of the platform's telemetry metrics
// contract: 0=init, 1=run, 2=degraded.
const (
	LoopStateInit     = 0
	LoopStateRun      = 1
	LoopStateDegraded = 2
)

// New builds a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_samples_total",
			Help: "Telemetry samples processed by the poll loop, by outcome.",
		}, []string{"result"}),
		SerialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_serial_failures_total",
			Help: "Serial read/handshake failures that forced a Degraded transition.",
		}),
		MqttFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_mqtt_failures_total",
			Help: "MQTT publish failures that caused a sample to be spooled.",
		}),
		DtcPollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_dtc_polls_total",
			Help: "DTC poll cadence firings, by outcome.",
		}, []string{"result"}),
		SpoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_spool_depth",
			Help: "Current depth of the publish spool.",
		}),
		LoopState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_loop_state",
			Help: "TelemetryLoop state: 0=init, 1=run, 2=degraded.",
		}),
		LapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lap_timing_laps_total",
			Help: "Completed laps, by driver.",
		}, []string{"driver"}),
		BestLapSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lap_timing_best_lap_seconds",
			Help: "Best qualifying lap time in seconds, by driver.",
		}, []string{"driver"}),
	}

	reg.MustRegister(
		r.SamplesTotal, r.SerialFailures, r.MqttFailures, r.DtcPollsTotal,
		r.SpoolDepth, r.LoopState, r.LapsTotal, r.BestLapSeconds,
	)
	return r
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
