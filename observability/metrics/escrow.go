package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowledger/core/events"
)

// valueAttributes lists the event attributes that carry moved value, in the
// order they are consulted.
var valueAttributes = []string{"amount", "stake"}

// EscrowMetrics counts engine events. It implements events.Emitter so it can
// be attached next to any other sink with events.Multi.
type EscrowMetrics struct {
	events *prometheus.CounterVec
	value  *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics registered with the default
// Prometheus registerer.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = NewEscrow(prometheus.DefaultRegisterer)
	})
	return escrowRegistry
}

// NewEscrow builds escrow metrics registered with reg.
func NewEscrow(reg prometheus.Registerer) *EscrowMetrics {
	m := &EscrowMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Count of escrow and guarantor events segmented by type.",
		}, []string{"type"}),
		value: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "value_moved_total",
			Help:      "Sum of the value carried by events, in base units, segmented by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.events, m.value)
	return m
}

// Emit implements events.Emitter.
func (m *EscrowMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil || evt.Event() == nil {
		return
	}
	payload := evt.Event()
	eventType := payload.Type
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
	for _, key := range valueAttributes {
		raw, ok := payload.Attributes[key]
		if !ok {
			continue
		}
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok || amount.Sign() <= 0 {
			break
		}
		f, _ := new(big.Float).SetInt(amount).Float64()
		m.value.WithLabelValues(eventType).Add(f)
		break
	}
}
