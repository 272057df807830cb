package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func newTestConsumer() *Consumer {
	return &Consumer{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryInitial: time.Millisecond,
		retryMax:     20 * time.Millisecond,
	}
}

func record(partition int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: "approval-request-queue", Partition: partition, Offset: offset, LeaderEpoch: 3}
}

func fetchesOf(partitions ...kgo.FetchPartition) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: "approval-request-queue", Partitions: partitions}}}}
}

// countingHandler fails every attempt for the offsets in failures, up to the given count
// (-1 fails forever).
type countingHandler struct {
	mu       sync.Mutex
	calls    map[int64]int
	failures map[int64]int
}

func (h *countingHandler) Handle(_ context.Context, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = make(map[int64]int)
	}
	h.calls[msg.Offset]++
	left, ok := h.failures[msg.Offset]
	if !ok || left == 0 {
		return nil
	}
	if left > 0 {
		h.failures[msg.Offset] = left - 1
	}
	return errors.New("write timeout")
}

func offsets(records []*kgo.Record) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.Offset)
	}
	return out
}

func TestFailedRecordIsNotCommittedAndPartitionRewinds(t *testing.T) {
	c := newTestConsumer()
	h := &countingHandler{failures: map[int64]int{11: -1}}
	fetches := fetchesOf(
		kgo.FetchPartition{Partition: 0, Records: []*kgo.Record{record(0, 10), record(0, 11), record(0, 12)}},
		kgo.FetchPartition{Partition: 1, Records: []*kgo.Record{record(1, 5), record(1, 6)}},
	)

	handled, rewind := c.process(context.Background(), h, fetches)

	assert.Equal(t, []int64{10, 5, 6}, offsets(handled))
	require.Contains(t, rewind, "approval-request-queue")
	assert.Equal(t, map[int32]kgo.EpochOffset{0: {Epoch: 3, Offset: 11}}, rewind["approval-request-queue"])
	assert.Greater(t, h.calls[11], 1, "failing record is retried before rewinding")
	assert.Zero(t, h.calls[12], "records after a failure wait for redelivery")
}

func TestTransientFailureIsRetried(t *testing.T) {
	c := newTestConsumer()
	h := &countingHandler{failures: map[int64]int{11: 1}}
	fetches := fetchesOf(
		kgo.FetchPartition{Partition: 0, Records: []*kgo.Record{record(0, 10), record(0, 11), record(0, 12)}},
	)

	handled, rewind := c.process(context.Background(), h, fetches)

	assert.Equal(t, []int64{10, 11, 12}, offsets(handled))
	assert.Empty(t, rewind)
	assert.Equal(t, 2, h.calls[11])
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	c := newTestConsumer()
	c.retryMax = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	h := HandlerFunc(func(context.Context, *Message) error {
		cancel()
		return errors.New("write timeout")
	})

	done := make(chan struct{})
	var handled []*kgo.Record
	var rewind map[string]map[int32]kgo.EpochOffset
	go func() {
		defer close(done)
		handled, rewind = c.process(ctx, h, fetchesOf(
			kgo.FetchPartition{Partition: 0, Records: []*kgo.Record{record(0, 10)}},
		))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "process kept retrying after cancellation")
	}
	assert.Empty(t, handled)
	assert.Equal(t, int64(10), rewind["approval-request-queue"][0].Offset)
}
