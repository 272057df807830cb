package escalation

//go:generate mockgen -source=scheduler.go -destination=mocks/mocks.go -package=mocks Store,Publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"inboxrelay/internal/inbox/escalation/mocks"
	"inboxrelay/internal/inbox/models"
	"inboxrelay/internal/inbox/store"
	"inboxrelay/pkg/platform/circuit"
)

const topic = "automatic-approval-queue"

type captureNotifier struct {
	mu    sync.Mutex
	items []models.Notification
}

func (n *captureNotifier) Publish(_ string, item models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

type SchedulerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	store     *mocks.MockStore
	publisher *mocks.MockPublisher
	notifier  *captureNotifier
	now       time.Time
	scheduler *Scheduler
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.notifier = &captureNotifier{}
	s.now = time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s.scheduler = s.newScheduler()
}

func (s *SchedulerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *SchedulerSuite) newScheduler(opts ...Option) *Scheduler {
	base := []Option{
		WithClock(func() time.Time { return s.now }),
		WithNotifier(s.notifier),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	sched, err := New(s.store, s.publisher, topic, append(base, opts...)...)
	s.Require().NoError(err)
	return sched
}

func (s *SchedulerSuite) expired(subject string) models.ApprovalRequest {
	created := s.now.Add(-time.Minute)
	return models.ApprovalRequest{
		Subject:   subject,
		RequestID: uuid.New(),
		CreatedAt: created,
		Deadline:  created.Add(20 * time.Second),
	}
}

func (s *SchedulerSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, s.publisher, topic)
		s.ErrorContains(err, "store is required")
	})
	s.Run("nil publisher returns error", func() {
		_, err := New(s.store, nil, topic)
		s.ErrorContains(err, "publisher is required")
	})
	s.Run("empty topic returns error", func() {
		_, err := New(s.store, s.publisher, "")
		s.ErrorContains(err, "topic is required")
	})
}

func (s *SchedulerSuite) TestSweepSubmitsEveryExpiredRequest() {
	a, b := s.expired("alice"), s.expired("bob")
	s.store.EXPECT().ListExpired(gomock.Any(), s.now).Return([]models.ApprovalRequest{a, b}, nil)

	for _, req := range []models.ApprovalRequest{a, b} {
		s.publisher.EXPECT().
			Publish(gomock.Any(), topic, []byte(req.Subject), gomock.Any(),
				map[string]string{IdempotencyHeader: req.Key().String()}).
			DoAndReturn(func(_ context.Context, _ string, _, value []byte, _ map[string]string) error {
				var msg AutoApproval
				s.NoError(json.Unmarshal(value, &msg))
				s.Equal(req.RequestID, msg.RequestID)
				s.True(msg.EscalatedAt.Equal(s.now))
				return nil
			})
	}

	result, err := s.scheduler.Sweep(context.Background())
	s.Require().NoError(err)
	s.Equal(SweepResult{Expired: 2, Submitted: 2}, result)

	s.Len(s.notifier.items, 2)
	for _, n := range s.notifier.items {
		s.Equal(models.KindExpired, n.Kind)
	}
}

func (s *SchedulerSuite) TestOneFailureDoesNotAbortOthers() {
	failing, ok1, ok2 := s.expired("alice"), s.expired("bob"), s.expired("carol")
	s.store.EXPECT().ListExpired(gomock.Any(), s.now).
		Return([]models.ApprovalRequest{failing, ok1, ok2}, nil)

	s.publisher.EXPECT().Publish(gomock.Any(), topic, []byte("alice"), gomock.Any(), gomock.Any()).
		Return(errors.New("broker unavailable"))
	s.publisher.EXPECT().Publish(gomock.Any(), topic, []byte("bob"), gomock.Any(), gomock.Any()).Return(nil)
	s.publisher.EXPECT().Publish(gomock.Any(), topic, []byte("carol"), gomock.Any(), gomock.Any()).Return(nil)

	result, err := s.scheduler.Sweep(context.Background())
	s.Require().NoError(err)
	s.Equal(3, result.Expired)
	s.Equal(2, result.Submitted)
	s.Equal(1, result.Failed)
	s.Len(s.notifier.items, 2)
}

func (s *SchedulerSuite) TestStoreFailureIsReturned() {
	s.store.EXPECT().ListExpired(gomock.Any(), s.now).Return(nil, errors.New("connection refused"))

	_, err := s.scheduler.Sweep(context.Background())
	s.ErrorContains(err, "connection refused")
}

func (s *SchedulerSuite) TestOpenCircuitSkipsSubmissions() {
	sched := s.newScheduler(WithBreaker(circuit.New("test",
		circuit.WithFailureThreshold(1),
		circuit.WithCooldown(time.Hour),
	)))

	first := s.expired("alice")
	s.store.EXPECT().ListExpired(gomock.Any(), s.now).Return([]models.ApprovalRequest{first}, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), topic, gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("broker unavailable"))

	result, err := sched.Sweep(context.Background())
	s.Require().NoError(err)
	s.Equal(1, result.Failed)

	s.store.EXPECT().ListExpired(gomock.Any(), s.now).
		Return([]models.ApprovalRequest{first, s.expired("bob")}, nil)

	result, err = sched.Sweep(context.Background())
	s.Require().NoError(err)
	s.Equal(SweepResult{Expired: 2, Skipped: 2}, result)
}

func (s *SchedulerSuite) TestResubmitsWhileRequestRemains() {
	req := s.expired("alice")
	s.store.EXPECT().ListExpired(gomock.Any(), s.now).Return([]models.ApprovalRequest{req}, nil).Times(2)
	s.publisher.EXPECT().
		Publish(gomock.Any(), topic, gomock.Any(), gomock.Any(),
			map[string]string{IdempotencyHeader: req.Key().String()}).
		Return(nil).Times(2)

	for range 2 {
		_, err := s.scheduler.Sweep(context.Background())
		s.Require().NoError(err)
	}
}

func (s *SchedulerSuite) TestRunSweepsUntilCancelled() {
	sched := s.newScheduler(WithInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	swept := make(chan struct{}, 16)
	s.store.EXPECT().ListExpired(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, time.Time) ([]models.ApprovalRequest, error) {
			select {
			case swept <- struct{}{}:
			default:
			}
			return nil, nil
		}).MinTimes(2)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	for range 2 {
		select {
		case <-swept:
		case <-time.After(time.Second):
			s.FailNow("scheduler did not sweep")
		}
	}
	cancel()
	s.NoError(<-done)
}

// Expiry is strictly deadline-before-now against the real store.
func TestSweepAgainstStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()

	past := models.ApprovalRequest{Subject: "alice", RequestID: uuid.New(),
		CreatedAt: now.Add(-time.Minute), Deadline: now.Add(-40 * time.Second)}
	future := models.ApprovalRequest{Subject: "alice", RequestID: uuid.New(),
		CreatedAt: now, Deadline: now.Add(20 * time.Second)}
	require.NoError(t, st.SaveRequest(ctx, past))
	require.NoError(t, st.SaveRequest(ctx, future))

	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().
		Publish(gomock.Any(), topic, []byte("alice"), gomock.Any(),
			map[string]string{IdempotencyHeader: past.Key().String()}).
		Return(nil).Times(1)

	sched, err := New(st, pub, topic, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	result, err := sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Submitted: 1}, result)
}
