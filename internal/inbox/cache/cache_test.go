package cache

import (
	"context"
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

// gatedLoader blocks every load until release is closed and counts calls.
type gatedLoader struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	req     models.ApprovalRequest
	err     error
}

func newGatedLoader(req models.ApprovalRequest) *gatedLoader {
	return &gatedLoader{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		req:     req,
	}
}

func (l *gatedLoader) FindRequest(ctx context.Context, _ models.Key) (models.ApprovalRequest, error) {
	l.calls.Add(1)
	l.started <- struct{}{}
	select {
	case <-l.release:
	case <-ctx.Done():
		return models.ApprovalRequest{}, ctx.Err()
	}
	return l.req, l.err
}

func sampleRequest() models.ApprovalRequest {
	now := time.Now()
	return models.ApprovalRequest{
		Subject:   "alice",
		RequestID: uuid.New(),
		CreatedAt: now,
		Deadline:  now.Add(20 * time.Second),
	}
}

func newTestCache(t *testing.T, loader Loader) (*Cache, *LRUBackend) {
	t.Helper()
	backend, err := NewLRUBackend(DefaultSize)
	require.NoError(t, err)
	c, err := New(backend, loader)
	require.NoError(t, err)
	return c, backend
}

func TestNewRequiresDependencies(t *testing.T) {
	backend, err := NewLRUBackend(0)
	require.NoError(t, err)

	_, err = New(nil, newGatedLoader(sampleRequest()))
	assert.Error(t, err)
	_, err = New(backend, nil)
	assert.Error(t, err)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	req := sampleRequest()
	loader := newGatedLoader(req)
	c, _ := newTestCache(t, loader)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]models.ApprovalRequest, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), req.Key())
		}()
	}

	<-loader.started
	// give the remaining callers time to join the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(loader.release)
	wg.Wait()

	assert.Equal(t, int32(1), loader.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.True(t, req.Equal(results[i]))
	}
}

func TestHitDoesNotLoad(t *testing.T) {
	req := sampleRequest()
	loader := newGatedLoader(req)
	close(loader.release)
	c, _ := newTestCache(t, loader)

	_, err := c.Get(context.Background(), req.Key())
	require.NoError(t, err)
	_, err = c.Get(context.Background(), req.Key())
	require.NoError(t, err)

	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestNotFoundIsNotCached(t *testing.T) {
	req := sampleRequest()
	loader := newGatedLoader(models.ApprovalRequest{})
	loader.err = sentinel.ErrNotFound
	close(loader.release)
	c, backend := newTestCache(t, loader)

	_, err := c.Get(context.Background(), req.Key())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Equal(t, 0, backend.Len())

	_, err = c.Get(context.Background(), req.Key())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestInvalidationDuringLoadSkipsPopulate(t *testing.T) {
	req := sampleRequest()
	loader := newGatedLoader(req)
	c, backend := newTestCache(t, loader)

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), req.Key())
		done <- err
	}()

	<-loader.started
	require.NoError(t, c.Invalidate(context.Background(), req.Key()))
	close(loader.release)
	require.NoError(t, <-done)

	_, ok, err := backend.Get(context.Background(), req.Key())
	require.NoError(t, err)
	assert.False(t, ok, "stale load must not repopulate an invalidated key")
}

func TestPutThenInvalidate(t *testing.T) {
	req := sampleRequest()
	loader := newGatedLoader(req)
	close(loader.release)
	c, backend := newTestCache(t, loader)

	require.NoError(t, c.Put(context.Background(), req))
	got, err := c.Get(context.Background(), req.Key())
	require.NoError(t, err)
	assert.True(t, req.Equal(got))
	assert.Equal(t, int32(0), loader.calls.Load())

	require.NoError(t, c.Invalidate(context.Background(), req.Key()))
	assert.Equal(t, 0, backend.Len())
}

func TestCallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	req := sampleRequest()
	loader := newGatedLoader(req)
	c, backend := newTestCache(t, loader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, req.Key())
		done <- err
	}()

	<-loader.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(loader.release)
	require.Eventually(t, func() bool { return backend.Len() == 1 }, time.Second, 10*time.Millisecond)
}
