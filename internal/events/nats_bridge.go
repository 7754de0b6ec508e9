package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

const (
	eventStreamName    = "TASK_EVENTS"
	eventSubjectPrefix = "task.event."
	eventStreamMaxAge  = 24 * time.Hour
)

// NATSBridge forwards lifecycle events from a Notifier onto a JetStream
// stream so external consumers can observe task transitions.
type NATSBridge struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	events <-chan model.Event
	unsub  func()
	done   chan struct{}
}

// NewNATSBridge creates the TASK_EVENTS stream if needed and subscribes
// to the notifier. Call Start to begin forwarding.
func NewNATSBridge(js nats.JetStreamContext, notifier *Notifier, logger *zap.Logger) (*NATSBridge, error) {
	_, err := js.StreamInfo(eventStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{eventSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
			MaxAge:   eventStreamMaxAge,
			MaxMsgs:  -1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		logger.Info("Created event stream", zap.String("name", eventStreamName))
	}

	events, unsub := notifier.Subscribe(DefaultSubscriberBuffer)

	return &NATSBridge{
		logger: logger.Named("nats-bridge"),
		js:     js,
		events: events,
		unsub:  unsub,
		done:   make(chan struct{}),
	}, nil
}

// Start begins forwarding events until Stop is called or the notifier
// closes.
func (b *NATSBridge) Start() {
	go b.forward()
}

// Stop detaches from the notifier and waits for the forwarding loop to
// drain.
func (b *NATSBridge) Stop() {
	b.unsub()
	<-b.done
}

func (b *NATSBridge) forward() {
	defer close(b.done)

	for evt := range b.events {
		data, err := json.Marshal(evt)
		if err != nil {
			b.logger.Error("Failed to marshal event",
				zap.String("task_id", evt.TaskID),
				zap.Error(err))
			continue
		}

		if _, err := b.js.Publish(subjectFor(evt.Type), data); err != nil {
			b.logger.Error("Failed to publish event",
				zap.String("task_id", evt.TaskID),
				zap.String("type", string(evt.Type)),
				zap.Error(err))
		}
	}
}

// subjectFor maps an event type like "task:completed" to the JetStream
// subject "task.event.completed".
func subjectFor(t model.EventType) string {
	name := string(t)
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[idx+1:]
	}
	return eventSubjectPrefix + name
}
