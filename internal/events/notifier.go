// Package events delivers task lifecycle notifications to in-process
// subscribers and, optionally, onto a NATS JetStream stream.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

// DefaultSubscriberBuffer is the channel depth used when a subscriber
// does not specify one.
const DefaultSubscriberBuffer = 64

// Notifier fans lifecycle events out to subscribers. Delivery is
// best-effort: a subscriber whose channel is full has the event dropped
// rather than stalling the execution engine.
type Notifier struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewNotifier creates a notifier
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{
		logger: logger.Named("events"),
		subs:   make(map[int]chan model.Event),
	}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns the event channel plus an unsubscribe function. The channel is
// closed on unsubscribe and on Close.
func (n *Notifier) Subscribe(buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	ch := make(chan model.Event, buffer)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}

	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking.
func (n *Notifier) Publish(evt model.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	for _, ch := range n.subs {
		select {
		case ch <- evt:
		default:
			n.logger.Debug("Dropped event for slow subscriber",
				zap.String("type", string(evt.Type)),
				zap.String("task_id", evt.TaskID))
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
