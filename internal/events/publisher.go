package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// NoopPublisher drops every event. Used when no NATS URL is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (*NoopPublisher) Close() error { return nil }

// Recorder is an in-process Publisher that keeps every event it is given,
// JSON-encoded the same way NATSPublisher sends them.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	r.mu.Lock()
	r.messages = append(r.messages, Message{Topic: topic, Data: data})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Messages returns the recorded events published on topic, or all of them
// when topic is empty.
func (r *Recorder) Messages(topic string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
