// Package metrics provides Prometheus metrics for conversation-memory operations.
package metrics

import (
	"errors"
	"time"

	"github.com/poiesic/convmem/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "convmem"

// Operation names used as the "op" label.
const (
	OpSave  = "save"
	OpQuery = "query"
)

// Result label values.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultInvalid     = "invalid"
	ResultUnsupported = "unsupported"
)

// UnknownBackend labels every switch to an unrecognised backend name.
const UnknownBackend = "unknown"

// Metrics holds the conversation-memory collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	switches   *prometheus.CounterVec
	active     *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Memory operations by backend and result",
			},
			[]string{"op", "backend", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Memory operation latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"op", "backend"},
		),
		switches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_switches_total",
				Help:      "Backend switch requests by target and result",
			},
			[]string{"backend", "result"},
		),
		active: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_backend",
				Help:      "1 for the currently bound backend kind, 0 otherwise",
			},
			[]string{"backend"},
		),
	}
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(op string, backend storage.Kind, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, string(backend), Result(err)).Inc()
	m.duration.WithLabelValues(op, string(backend)).Observe(elapsed.Seconds())
}

// ObserveSwitch records a switch request.
func (m *Metrics) ObserveSwitch(backend, result string) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(backend, result).Inc()
}

// SetActive marks kind as the bound backend.
func (m *Metrics) SetActive(kind storage.Kind) {
	if m == nil {
		return
	}
	for _, k := range storage.Kinds() {
		value := 0.0
		if k == kind {
			value = 1
		}
		m.active.WithLabelValues(string(k)).Set(value)
	}
}

// Result maps an operation error to a result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, storage.ErrUnsupportedBackend):
		return ResultUnsupported
	case errors.Is(err, storage.ErrInvalidQuery), errors.Is(err, storage.ErrConfiguration):
		return ResultInvalid
	default:
		return ResultError
	}
}
