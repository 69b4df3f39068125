// Package bus is a small in-process publish/subscribe dispatcher. Delivery
// is at-most-once to currently subscribed handlers; no ordering is
// guaranteed across topics. A bounded history of recent events is kept for
// diagnostics only, never for replay.
package bus

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistorySize bounds the diagnostic ring buffer.
const DefaultHistorySize = 100

// ErrDuplicateSubscriber rejects a second subscription under the same id.
var ErrDuplicateSubscriber = errors.New("subscriber id already registered for topic")

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Handler consumes events. Handlers run synchronously on the publishing
// goroutine; a panicking handler is isolated and logged, never propagated.
type Handler func(Event)

// Bus dispatches events by topic. Subscriber identity is the (topic, id)
// pair so exact removal and duplicate rejection are possible.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[string]Handler
	history    []Event
	historyCap int
	logger     *zap.Logger
}

// New constructs a Bus. historySize <= 0 uses DefaultHistorySize.
func New(historySize int, logger *zap.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:       make(map[string]map[string]Handler),
		history:    make([]Event, 0, historySize),
		historyCap: historySize,
		logger:     logger,
	}
}

// Subscribe registers handler under id for topic.
func (b *Bus) Subscribe(topic, id string, handler Handler) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers, ok := b.subs[topic]
	if !ok {
		handlers = make(map[string]Handler)
		b.subs[topic] = handlers
	}
	if _, exists := handlers[id]; exists {
		return ErrDuplicateSubscriber
	}
	handlers[id] = handler
	return nil
}

// Unsubscribe removes the handler registered under id. Unknown ids are a
// no-op.
func (b *Bus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handlers, ok := b.subs[topic]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Publish delivers payload to every handler currently subscribed to topic.
// A panicking handler does not stop delivery to the others.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload, At: time.Now().UTC()}

	b.mu.Lock()
	if len(b.history) == b.historyCap {
		b.history = append(b.history[:0], b.history[1:]...)
		b.history = append(b.history, event)
	} else {
		b.history = append(b.history, event)
	}
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(topic, h, event)
	}
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.history...)
}

func (b *Bus) invoke(topic string, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	h(event)
}
