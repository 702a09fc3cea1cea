package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/events"
)

// EventSink forwards every bus event as JSON to a durable queue so events outlive the process.
// It is a regular bus subscriber: a slow broker only makes the sink miss events.
type EventSink struct {
	queue     domain.Queue
	queueName string
}

func NewEventSink(queue domain.Queue, queueName string) *EventSink {
	return &EventSink{queue: queue, queueName: queueName}
}

// Run forwards events until ctx is cancelled or the subscription is closed.
func (s *EventSink) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.forward(e)
		}
	}
}

func (s *EventSink) forward(e events.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to encode event for the sink", "type", e.Type, "error", err)
		return
	}
	if err := s.queue.PublishMessage(s.queueName, string(body)); err != nil {
		slog.Error("Failed to publish event to rabbitmq", "type", e.Type, "queue", s.queueName, "error", err)
	}
}
