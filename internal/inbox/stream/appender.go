package stream

import (
	"context"
	"errors"
	"fmt"

	"inboxrelay/internal/inbox/models"
)

// Producer writes a keyed record to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Appender writes notifications onto the update stream, keyed by subject so one
// subject's records stay on one shard.
type Appender struct {
	producer Producer
	topic    string
}

func NewAppender(producer Producer, topic string) (*Appender, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &Appender{producer: producer, topic: topic}, nil
}

// Append encodes n and produces it to the stream.
func (a *Appender) Append(ctx context.Context, n models.Notification) error {
	value, err := Encode(n)
	if err != nil {
		return err
	}
	key := []byte(models.NormalizeSubject(n.Request.Subject))
	if err := a.producer.Publish(ctx, a.topic, key, value, map[string]string{"kind": string(n.Kind)}); err != nil {
		return fmt.Errorf("append to %s: %w", a.topic, err)
	}
	return nil
}
