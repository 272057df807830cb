package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSource treats the partitions of one topic as shards. Each shard is read by its
// own client starting at the partition end; nothing is committed.
type KafkaSource struct {
	brokers []string
	topic   string
	admin   *kadm.Client
	client  *kgo.Client

	closeOnce sync.Once
}

// NewKafkaSource creates a source for topic. The admin connection is opened lazily by
// franz-go on first use.
func NewKafkaSource(brokers []string, topic string) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka admin client: %w", err)
	}
	return &KafkaSource{
		brokers: brokers,
		topic:   topic,
		admin:   kadm.NewClient(client),
		client:  client,
	}, nil
}

// ListShards returns the topic's partition ids in ascending order.
func (s *KafkaSource) ListShards(ctx context.Context) ([]int32, error) {
	details, err := s.admin.ListTopics(ctx, s.topic)
	if err != nil {
		return nil, fmt.Errorf("list topic %s: %w", s.topic, err)
	}
	td, ok := details[s.topic]
	if !ok {
		return nil, fmt.Errorf("topic %s not found", s.topic)
	}
	if td.Err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", s.topic, td.Err)
	}
	shards := td.Partitions.Numbers()
	slices.Sort(shards)
	return shards, nil
}

// Consume reads one partition until ctx ends or a fetch fails.
func (s *KafkaSource) Consume(ctx context.Context, shard int32, handle func(Record)) error {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			s.topic: {shard: kgo.NewOffset().AtEnd()},
		}),
	)
	if err != nil {
		return fmt.Errorf("create shard client: %w", err)
	}
	defer cl.Close()

	for {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return kgo.ErrClientClosed
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			fe := errs[0]
			return fmt.Errorf("fetch %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			handle(Record{Shard: r.Partition, Offset: r.Offset, Key: r.Key, Value: r.Value})
		})
	}
}

// Close releases the admin connection.
func (s *KafkaSource) Close() error {
	s.closeOnce.Do(func() {
		s.client.Close()
	})
	return nil
}
