package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
// A nil Publisher is valid and publishes nothing, so event delivery stays
// optional for deployments without NATS.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishJobEvent publishes a job lifecycle event.
func (p *Publisher) PublishJobEvent(ctx context.Context, event JobEvent) error {
	return p.publish(ctx, SubjectJobEvent, event)
}

// PublishQuotaEvent publishes a quota denial event.
func (p *Publisher) PublishQuotaEvent(ctx context.Context, event QuotaEvent) error {
	return p.publish(ctx, SubjectQuotaEvent, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
