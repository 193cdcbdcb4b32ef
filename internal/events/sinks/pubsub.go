package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/resale-search-gateway/internal/events"
)

// PubSubSink publishes one JSON message per event to a topic.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps topic.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Consume publishes the batch and waits for every server acknowledgement.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal search event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"site":    evt.Site,
				"outcome": string(evt.Outcome),
			},
		}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish search events: %w", errors.Join(errs...))
	}
	return nil
}

// Close flushes outstanding messages.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
