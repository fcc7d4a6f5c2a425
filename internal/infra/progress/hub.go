package progress

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"intellipost/internal/domain"
	"intellipost/internal/infra/metrics"
)

const subscriberBuffer = 32

// Hub fans processing events out to in-process subscribers keyed by product
// id. Publish without subscribers is a no-op; events are never queued for
// later subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
	log  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{}), log: logger}
}

var _ domain.ProgressBus = (*Hub)(nil)

type subscription struct {
	hub       *Hub
	productID string
	events    chan domain.ProcessingEvent
	once      sync.Once
}

// Events returns the ordered event channel for this subscription.
func (s *subscription) Events() <-chan domain.ProcessingEvent { return s.events }

// Close detaches the subscription. Safe to call more than once; other
// subscribers and publishers are unaffected.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.events)
		metrics.ProgressSubscribers.Dec()
	})
}

// Subscribe attaches a new subscriber for the product id.
func (h *Hub) Subscribe(productID string) domain.ProgressSubscription {
	sub := &subscription{
		hub:       h,
		productID: productID,
		events:    make(chan domain.ProcessingEvent, subscriberBuffer),
	}
	h.mu.Lock()
	set, ok := h.subs[productID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[productID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	metrics.ProgressSubscribers.Inc()
	return sub
}

// Publish delivers the event to every live subscriber of its product id.
// Delivery is best-effort: a subscriber whose buffer is full loses the event.
func (h *Hub) Publish(_ context.Context, event domain.ProcessingEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.ProductID] {
		select {
		case sub.events <- event:
		default:
			metrics.ProgressEventsDropped.Inc()
			h.log.Warn().Str("product_id", event.ProductID).Msg("progress: slow subscriber, event dropped")
		}
	}
	return nil
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.productID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.productID)
	}
}
