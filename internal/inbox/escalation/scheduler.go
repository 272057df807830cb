// Package escalation auto-approves requests whose deadline has elapsed.
//
// Every interval the scheduler reads expired requests straight from the store and
// submits one auto-approval message per request. Nothing marks a request as escalated,
// so a request still in the store on the next sweep is submitted again; receivers
// deduplicate on the idempotency-key header.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"inboxrelay/internal/inbox/metrics"
	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/platform/circuit"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultConcurrency = 8
)

// Store reads requests whose deadline is strictly before now.
type Store interface {
	ListExpired(ctx context.Context, now time.Time) ([]models.ApprovalRequest, error)
}

// Publisher delivers a message to the outbound queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Notifier tells live subscribers that a request expired.
type Notifier interface {
	Publish(subject string, n models.Notification)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired   int
	Submitted int
	Failed    int
	// Skipped counts requests not attempted because the circuit breaker was open.
	Skipped int
}

// Scheduler runs the recurring escalation sweep.
type Scheduler struct {
	store       Store
	publisher   Publisher
	topic       string
	notifier    Notifier
	breaker     *circuit.Breaker
	interval    time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithConcurrency bounds the submissions in flight during one sweep.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.breaker = b
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler that submits to topic.
func New(store Store, publisher Publisher, topic string, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	s := &Scheduler{
		store:       store,
		publisher:   publisher,
		topic:       topic,
		breaker:     circuit.New("auto-approval", circuit.WithFailureThreshold(5), circuit.WithCooldown(time.Minute)),
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		logger:      slog.Default(),
		tracer:      otel.Tracer("inboxrelay/escalation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps once per interval until ctx ends. A sweep that outlasts the interval
// causes the missed ticks to be dropped rather than queued.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("escalation scheduler started", "interval", s.interval, "topic", s.topic)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("escalation sweep failed", "error", err)
			}
		}
	}
}

// Sweep submits every currently expired request. Only a failure to read the store is
// returned; individual submission failures are logged and counted.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "escalation.sweep")
	defer span.End()

	now := s.now()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list expired")
		s.metrics.ObserveSweep(time.Since(start), true)
		return SweepResult{}, fmt.Errorf("list expired requests: %w", err)
	}

	var submitted, failed, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, req := range expired {
		if !s.breaker.Allow() {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			if err := s.submit(ctx, req, now); err != nil {
				failed.Add(1)
				s.metrics.IncEscalationFailures()
				s.logger.Warn("auto-approval submission failed",
					"subject", req.Subject, "request_id", req.RequestID, "error", err)
				return nil
			}
			submitted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result := SweepResult{
		Expired:   len(expired),
		Submitted: int(submitted.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
	span.SetAttributes(
		attribute.Int("escalation.expired", result.Expired),
		attribute.Int("escalation.submitted", result.Submitted),
		attribute.Int("escalation.failed", result.Failed),
		attribute.Int("escalation.skipped", result.Skipped),
	)
	if result.Skipped > 0 {
		s.logger.Warn("auto-approval circuit open, submissions skipped", "skipped", result.Skipped)
		for range result.Skipped {
			s.metrics.IncEscalationFailures()
		}
	}
	s.metrics.ObserveSweep(time.Since(start), false)
	if result.Expired > 0 {
		s.logger.Info("escalation sweep complete",
			"expired", result.Expired, "submitted", result.Submitted, "failed", result.Failed)
	}
	return result, nil
}

func (s *Scheduler) submit(ctx context.Context, req models.ApprovalRequest, now time.Time) error {
	msg := NewAutoApproval(req, now)
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal auto-approval: %w", err)
	}

	err = s.publisher.Publish(ctx, s.topic, []byte(req.Subject), payload,
		map[string]string{IdempotencyHeader: msg.IdempotencyKey()})
	if err != nil {
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.metrics.SetCircuitBreakerState(true)
			s.logger.Error("auto-approval circuit opened", "breaker", s.breaker.Name())
		}
		return err
	}
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.metrics.SetCircuitBreakerState(false)
		s.logger.Info("auto-approval circuit closed", "breaker", s.breaker.Name())
	}
	s.metrics.IncEscalationsSubmitted()

	if s.notifier != nil {
		s.notifier.Publish(req.Subject, models.Notification{Kind: models.KindExpired, Request: req})
	}
	return nil
}
