// Package stream keeps exactly one subscription per shard of the partitioned update
// stream and forwards decoded notifications to the registry.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"inboxrelay/internal/inbox/metrics"
	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/platform/sentinel"
)

// ShardSource is a partitioned, append-only stream.
type ShardSource interface {
	// ListShards returns every shard id currently in the stream.
	ListShards(ctx context.Context) ([]int32, error)
	// Consume delivers shard records to handle until ctx ends or the connection faults.
	Consume(ctx context.Context, shard int32, handle func(Record)) error
	// Close releases the upstream connection.
	Close() error
}

// Publisher receives decoded notifications. Subjects nobody listens to are discarded
// on the publisher side.
type Publisher interface {
	Publish(subject string, n models.Notification)
}

var errShardEnded = errors.New("shard consumer returned without error")

// Manager owns the shard subscription table.
type Manager struct {
	source    ShardSource
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration
	bufferSize     int

	mu     sync.Mutex
	shards map[int32]context.CancelFunc
	closed bool

	listing   singleflight.Group
	ctx       context.Context
	cancel    context.CancelFunc
	records   chan models.Notification
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithReconnectBackoff bounds the delay between attempts to resubscribe a faulted shard.
func WithReconnectBackoff(initial, maxInterval time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initialBackoff = initial
		}
		if maxInterval > 0 {
			m.maxBackoff = maxInterval
		}
	}
}

// WithBufferSize sets the capacity of the channel between shard readers and the
// forwarder. Readers block when it is full.
func WithBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// New creates a manager and starts its forwarder. No shard is read until Ensure.
func New(source ShardSource, publisher Publisher, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, errors.New("shard source is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	m := &Manager{
		source:         source,
		publisher:      publisher,
		logger:         slog.Default(),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		bufferSize:     256,
		shards:         make(map[int32]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.records = make(chan models.Notification, m.bufferSize)

	m.wg.Add(1)
	go m.forward()
	return m, nil
}

// Ensure lists the stream's shards and starts a subscription for each shard not yet in
// the table. Concurrent callers share one listing; a listing failure is returned to all
// of them.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.isClosed() {
		return sentinel.ErrClosed
	}
	v, err, _ := m.listing.Do("shards", func() (any, error) {
		return m.source.ListShards(ctx)
	})
	if err != nil {
		return fmt.Errorf("list shards: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return sentinel.ErrClosed
	}
	for _, shard := range v.([]int32) {
		if _, ok := m.shards[shard]; ok {
			continue
		}
		taskCtx, cancel := context.WithCancel(m.ctx)
		m.shards[shard] = cancel
		m.wg.Add(1)
		go m.run(taskCtx, shard)
		m.logger.Info("shard subscription started", "shard", shard)
	}
	m.metrics.SetShardsActive(len(m.shards))
	return nil
}

// Shards returns the ids of every shard with a subscription task.
func (m *Manager) Shards() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, 0, len(m.shards))
	for shard := range m.shards {
		out = append(out, shard)
	}
	slices.Sort(out)
	return out
}

// Close cancels every shard task, waits for them, then releases the source. Only the
// first call does any work.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		for _, cancel := range m.shards {
			cancel()
		}
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()
		m.closeErr = m.source.Close()
		m.metrics.SetShardsActive(0)
	})
	return m.closeErr
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// run keeps one shard subscribed until its context ends, reconnecting with exponential
// backoff after each fault.
func (m *Manager) run(ctx context.Context, shard int32) {
	defer m.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialBackoff
	b.MaxInterval = m.maxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		delivered := false
		err := m.source.Consume(ctx, shard, func(rec Record) {
			delivered = true
			m.handle(ctx, rec)
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if delivered {
			b.Reset()
		}
		if err == nil {
			err = errShardEnded
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.metrics.IncShardReconnects()
		m.logger.Warn("shard subscription faulted, reconnecting",
			"shard", shard, "error", err, "retry_in", wait)
	}

	_ = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	m.logger.Info("shard subscription stopped", "shard", shard)
}

func (m *Manager) handle(ctx context.Context, rec Record) {
	n, err := Decode(rec)
	if err != nil {
		m.metrics.IncStreamDecodeErrors()
		m.logger.Warn("dropping undecodable stream record", "shard", rec.Shard, "offset", rec.Offset, "error", err)
		return
	}
	m.metrics.IncStreamRecords()
	select {
	case m.records <- n:
	case <-ctx.Done():
	}
}

func (m *Manager) forward() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case n := <-m.records:
			m.publisher.Publish(n.Request.Subject, n)
		}
	}
}
