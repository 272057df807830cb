// Package consumer reads inbound queue topics through a franz-go consumer group and hands
// each record to a Handler. A failing record is retried with backoff; if it still fails, its
// partition is rewound to it and nothing from that record onward is committed, so it is
// fetched again on the next poll.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"inboxrelay/pkg/platform/sentinel"
)

// Message is a transport-neutral view of one consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. A returned error means the message was not applied and
// must be delivered again; handlers drop poison messages themselves by returning nil.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Consumer is a group consumer over a fixed topic set.
type Consumer struct {
	client       *kgo.Client
	logger       *slog.Logger
	retryInitial time.Duration
	retryMax     time.Duration
}

// Option configures the Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRetryBackoff sets the first retry delay for a failing record and how long retries
// continue before the partition is rewound.
func WithRetryBackoff(initial, maxElapsed time.Duration) Option {
	return func(c *Consumer) {
		if initial > 0 {
			c.retryInitial = initial
		}
		if maxElapsed > 0 {
			c.retryMax = maxElapsed
		}
	}
}

// New connects a consumer group member for the given topics.
func New(brokers []string, group string, topics []string, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if group == "" {
		return nil, errors.New("consumer group is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	c := &Consumer{
		client:       client,
		logger:       slog.Default(),
		retryInitial: 200 * time.Millisecond,
		retryMax:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is canceled or the client is closed.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if fetches.IsClientClosed() {
			return sentinel.ErrClosed
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.WarnContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		handled, rewind := c.process(ctx, handler, fetches)
		if len(rewind) > 0 {
			c.client.SetOffsets(rewind)
		}
		if len(handled) == 0 {
			continue
		}
		if err := c.client.CommitRecords(ctx, handled...); err != nil {
			c.logger.WarnContext(ctx, "offset commit failed", "error", err)
		}
	}
}

// process hands every fetched record to handler in partition order. It returns the records
// safe to commit and, for each partition that hit a failure, the offset to resume from.
func (c *Consumer) process(ctx context.Context, handler Handler, fetches kgo.Fetches) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	var handled []*kgo.Record
	var rewind map[string]map[int32]kgo.EpochOffset

	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		for _, record := range p.Records {
			msg := fromRecord(record)
			if err := c.handle(ctx, handler, msg); err != nil {
				c.logger.WarnContext(ctx, "message handling failed, partition rewound",
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
				if rewind == nil {
					rewind = make(map[string]map[int32]kgo.EpochOffset)
				}
				if rewind[p.Topic] == nil {
					rewind[p.Topic] = make(map[int32]kgo.EpochOffset)
				}
				rewind[p.Topic][p.Partition] = kgo.EpochOffset{Epoch: record.LeaderEpoch, Offset: record.Offset}
				return
			}
			handled = append(handled, record)
		}
	})
	return handled, rewind
}

func (c *Consumer) handle(ctx context.Context, handler Handler, msg *Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxElapsedTime = c.retryMax

	op := func() error {
		err := handler.Handle(ctx, msg)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.DebugContext(ctx, "retrying message",
			"topic", msg.Topic, "offset", msg.Offset, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Close leaves the group and releases the connection.
func (c *Consumer) Close() {
	c.client.Close()
}

func fromRecord(record *kgo.Record) *Message {
	msg := &Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}
	if len(record.Headers) > 0 {
		msg.Headers = make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
