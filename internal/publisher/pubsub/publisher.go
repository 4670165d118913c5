// Package pubsub announces completed records on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// Message attribute keys.
const (
	AttrIdentifier = "identifier"
	AttrStatus     = "status"
)

// Publisher wraps a topic handle. Records are JSON encoded.
type Publisher struct {
	topic *pubsub.Topic
}

// New returns a Publisher for topicID. The caller owns client.
func New(client *pubsub.Client, topicID string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if strings.TrimSpace(topicID) == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Publisher{topic: client.Topic(topicID)}, nil
}

// Submit publishes record and waits for the server to acknowledge it.
func (p *Publisher) Submit(ctx context.Context, record crawler.DetailRecord) error {
	if p == nil || p.topic == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	status := "ok"
	if record.Failed() {
		status = "error"
	}
	attrs := map[string]string{
		AttrIdentifier: string(record.Identifier),
		AttrStatus:     status,
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish record %s: %w", record.Identifier, err)
	}
	return nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (p *Publisher) Close() {
	if p == nil || p.topic == nil {
		return
	}
	p.topic.Stop()
}
