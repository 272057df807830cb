package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/platform/sentinel"
)

// fakeSource serves records pushed through feed and counts subscriptions per shard.
type fakeSource struct {
	mu       sync.Mutex
	shards   []int32
	listErr  error
	listed   atomic.Int32
	consumes map[int32]int
	// faults holds how many times each shard fails immediately before consuming
	faults map[int32]int
	feeds  map[int32]chan Record
	closed atomic.Int32
}

func newFakeSource(shards ...int32) *fakeSource {
	s := &fakeSource{
		shards:   shards,
		consumes: make(map[int32]int),
		faults:   make(map[int32]int),
		feeds:    make(map[int32]chan Record),
	}
	for _, id := range shards {
		s.feeds[id] = make(chan Record, 16)
	}
	return s
}

func (s *fakeSource) ListShards(context.Context) ([]int32, error) {
	s.listed.Add(1)
	// widen the window in which concurrent callers overlap
	time.Sleep(5 * time.Millisecond)
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.shards, nil
}

func (s *fakeSource) Consume(ctx context.Context, shard int32, handle func(Record)) error {
	s.mu.Lock()
	s.consumes[shard]++
	if s.faults[shard] > 0 {
		s.faults[shard]--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	feed := s.feeds[shard]
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-feed:
			handle(rec)
		}
	}
}

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *fakeSource) consumeCount(shard int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumes[shard]
}

type capturePublisher struct {
	mu    sync.Mutex
	items []models.Notification
}

func (p *capturePublisher) Publish(_ string, n models.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, n)
}

func (p *capturePublisher) snapshot() []models.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Notification(nil), p.items...)
}

func encoded(t *testing.T, subject string) (models.Notification, []byte) {
	t.Helper()
	now := time.Now()
	n := models.Notification{
		Kind: models.KindCreated,
		Request: models.ApprovalRequest{
			Subject:   subject,
			RequestID: uuid.New(),
			CreatedAt: now,
			Deadline:  now.Add(20 * time.Second),
		},
	}
	raw, err := Encode(n)
	require.NoError(t, err)
	return n, raw
}

func newTestManager(t *testing.T, src *fakeSource, pub Publisher) *Manager {
	t.Helper()
	m, err := New(src, pub, WithReconnectBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, &capturePublisher{})
	assert.Error(t, err)
	_, err = New(newFakeSource(), nil)
	assert.Error(t, err)
}

func TestConcurrentEnsureStartsOneSubscriptionPerShard(t *testing.T) {
	src := newFakeSource(0, 1, 2)
	m := newTestManager(t, src, &capturePublisher{})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Ensure(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, []int32{0, 1, 2}, m.Shards())
	require.Eventually(t, func() bool {
		return src.consumeCount(0) == 1 && src.consumeCount(1) == 1 && src.consumeCount(2) == 1
	}, time.Second, 5*time.Millisecond)

	// a later call finds every shard already registered
	require.NoError(t, m.Ensure(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, src.consumeCount(1))
}

func TestListingFailureIsReturned(t *testing.T) {
	src := newFakeSource(0)
	src.listErr = errors.New("broker unreachable")
	m := newTestManager(t, src, &capturePublisher{})

	err := m.Ensure(context.Background())
	assert.ErrorIs(t, err, src.listErr)
	assert.Empty(t, m.Shards())
}

func TestRecordsAreForwardedAndBadRecordsDropped(t *testing.T) {
	src := newFakeSource(0)
	pub := &capturePublisher{}
	m := newTestManager(t, src, pub)
	require.NoError(t, m.Ensure(context.Background()))

	n, raw := encoded(t, "Alice")
	src.feeds[0] <- Record{Shard: 0, Offset: 1, Value: []byte("{garbage")}
	src.feeds[0] <- Record{Shard: 0, Offset: 2, Value: raw}

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := pub.snapshot()[0]
	assert.Equal(t, n.Request.RequestID, got.Request.RequestID)
	assert.Equal(t, "alice", got.Request.Subject)
}

func TestFaultedShardReconnects(t *testing.T) {
	src := newFakeSource(0)
	src.faults[0] = 2
	pub := &capturePublisher{}
	m := newTestManager(t, src, pub)
	require.NoError(t, m.Ensure(context.Background()))

	require.Eventually(t, func() bool { return src.consumeCount(0) == 3 }, time.Second, 5*time.Millisecond)

	_, raw := encoded(t, "bob")
	src.feeds[0] <- Record{Shard: 0, Offset: 7, Value: raw}
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCloseReleasesSourceOnce(t *testing.T) {
	src := newFakeSource(0, 1)
	m, err := New(src, &capturePublisher{})
	require.NoError(t, err)
	require.NoError(t, m.Ensure(context.Background()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, int32(1), src.closed.Load())
	assert.ErrorIs(t, m.Ensure(context.Background()), sentinel.ErrClosed)
}

func TestDecode(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(map[string]any{
		"request": map[string]any{
			"subject":   "CAROL",
			"requestId": id.String(),
			"createdAt": "2026-01-01T00:00:00Z",
			"deadline":  "2026-01-01T00:00:20Z",
		},
	})
	require.NoError(t, err)

	n, err := Decode(Record{Value: raw})
	require.NoError(t, err)
	assert.Equal(t, models.KindCreated, n.Kind)
	assert.Equal(t, "carol", n.Request.Subject)
	assert.Equal(t, id, n.Request.RequestID)

	_, err = Decode(Record{Shard: 3, Offset: 9, Value: []byte(`{"request":{"subject":"carol"}}`)})
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, int32(3), decodeErr.Shard)
	assert.Equal(t, int64(9), decodeErr.Offset)
}
