package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topics and event types emitted by the execution core. Consumers (UI,
// ledger, monitors) subscribe by topic and switch on Type.
const (
	TopicOrder   = "order"
	TopicQuality = "quality"
	TopicVenue   = "venue"

	TypeOrderCreated      = "order_created"
	TypeOrderStateChanged = "order_state_changed"
	TypePartialFill       = "partial_fill"
	TypeOrderFilled       = "order_filled"
	TypeOrderRejected     = "order_rejected"
	TypeOrderCancelled    = "order_cancelled"

	TypeSlippageRecorded = "slippage_recorded"
	TypeSlippageWarning  = "slippage_warning"
	TypeCriticalSlippage = "critical_slippage"
	TypeQualityAlert     = "quality_alert"
	TypeHighLatency      = "high_latency"

	TypeVenuePerformanceUpdated = "venue_performance_updated"
)

// Event is the envelope published on the bus.
type Event struct {
	Topic     string
	Type      string
	Timestamp time.Time
	Payload   interface{}
	Meta      map[string]interface{}
}

// StateChange is the payload for order_state_changed events.
type StateChange struct {
	OrderID string `json:"order_id"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Reason  string `json:"reason,omitempty"`
}

// Handler handles a single event. Handlers run on their own goroutines and
// must not assume delivery ordering across topics.
type Handler func(Event)

// Bus is the pub/sub contract between the execution core and its observers.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler Handler)
}

// Metrics counts bus activity.
type Metrics struct {
	Published int64
	Delivered int64
	Failed    int64
}

// InMemoryBus is a concurrent-safe fan-out bus. Handler panics are recovered
// and logged so one misbehaving observer cannot take down the core.
type InMemoryBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler

	published int64
	delivered int64
	failed    int64
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[string][]Handler),
	}
}

// Publish delivers the event to every subscriber of its topic.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	atomic.AddInt64(&b.published, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&b.failed, 1)
					b.logger.Error("event handler panic",
						zap.Any("recover", r),
						zap.String("topic", event.Topic),
						zap.String("type", event.Type))
				}
			}()
			h(event)
			atomic.AddInt64(&b.delivered, 1)
		}(handler)
	}
}

// Subscribe registers a handler for a topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// Metrics returns a snapshot of bus counters.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadInt64(&b.published),
		Delivered: atomic.LoadInt64(&b.delivered),
		Failed:    atomic.LoadInt64(&b.failed),
	}
}
