// Package realtime fans change events out to connected dashboard clients.
package realtime

import (
	"context"
	"sync"

	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/model"
	"bloodbank-api/pkg/uid"

	"go.uber.org/zap"
)

// Publisher accepts change events. Publishing never blocks on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent)
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, model.ChangeEvent) {}

// Subscriber is one connected client.
type Subscriber struct {
	ID     string
	Events chan model.ChangeEvent
}

// Hub manages subscribers of this process.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscriber
	buffer  int
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty hub. m may be nil.
func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]*Subscriber),
		buffer:  64,
		log:     log.Named("realtime"),
		metrics: m,
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:     uid.New(),
		Events: make(chan model.ChangeEvent, h.buffer),
	}

	h.mu.Lock()
	h.subs[s.ID] = s
	total := len(h.subs)
	h.mu.Unlock()

	h.metrics.SubscriberDelta(1)
	h.log.Debug("subscriber registered", zap.String("id", s.ID), zap.Int("total", total))
	return s
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		close(s.Events)
		delete(h.subs, id)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.metrics.SubscriberDelta(-1)
		h.log.Debug("subscriber unregistered", zap.String("id", id), zap.Int("total", total))
	}
}

// Publish delivers ev to every local subscriber. A subscriber whose buffer is
// full misses the event.
func (h *Hub) Publish(_ context.Context, ev model.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		select {
		case s.Events <- ev:
		default:
			h.log.Warn("subscriber buffer full, dropping event",
				zap.String("id", s.ID), zap.String("table", ev.Table), zap.String("row", ev.ID))
		}
	}
}

// Close disconnects every subscriber. Streams end when their channel closes.
func (h *Hub) Close() {
	h.mu.Lock()
	n := len(h.subs)
	for id, s := range h.subs {
		close(s.Events)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if n > 0 {
		h.metrics.SubscriberDelta(-n)
		h.log.Info("disconnected subscribers", zap.Int("count", n))
	}
}

// Count returns the number of local subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var (
	_ Publisher = (*Hub)(nil)
	_ Publisher = NopPublisher{}
)
