package events

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"escrowledger/core/types"
)

// DefaultSubscriberBuffer is the per-subscriber queue used when none is given.
const DefaultSubscriberBuffer = 64

// Filter selects the events delivered to a subscription. A nil filter
// accepts everything.
type Filter func(*types.Event) bool

// ForEscrow accepts events that reference the given escrow id.
func ForEscrow(id uint64) Filter {
	want := strconv.FormatUint(id, 10)
	return func(evt *types.Event) bool {
		got, ok := EscrowID(evt)
		return ok && got == want
	}
}

// EscrowID returns the escrow an event refers to. Escrow events carry it as
// "id", registry events as "escrowId".
func EscrowID(evt *types.Event) (string, bool) {
	if evt == nil {
		return "", false
	}
	if id, ok := evt.Attributes["escrowId"]; ok {
		return id, true
	}
	if strings.HasPrefix(evt.Type, "escrow.") {
		id, ok := evt.Attributes["id"]
		return id, ok
	}
	return "", false
}

// Hub fans events out to live subscribers. Emit never blocks: an event that
// does not fit in a subscriber's queue is dropped for that subscriber and
// counted.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	next    uint64
	buffer  int
	dropped metric.Int64Counter
}

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	meter := otel.GetMeterProvider().Meter("escrowledger/events")
	counter, err := meter.Int64Counter("escrow.events.dropped")
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("escrowledger/events").Int64Counter("escrow.events.dropped")
	}
	return &Hub{subs: make(map[uint64]*Subscription), buffer: buffer, dropped: counter}
}

// Subscription is a live feed of hub events.
type Subscription struct {
	hub    *Hub
	id     uint64
	filter Filter
	ch     chan *types.Event
	once   sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan *types.Event { return s.ch }

// Close detaches the subscription from the hub. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new subscription.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	sub := &Subscription{hub: h, id: h.next, filter: filter, ch: make(chan *types.Event, h.buffer)}
	h.subs[sub.id] = sub
	return sub
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit implements Emitter.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil || evt.Event() == nil {
		return
	}
	payload := evt.Event()
	dropped := 0
	h.mu.Lock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(payload) {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.dropped.Add(context.Background(), int64(dropped),
			metric.WithAttributes(attribute.String("reason", "slow_subscriber"), attribute.String("type", payload.Type)))
	}
}
