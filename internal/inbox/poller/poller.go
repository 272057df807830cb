// Package poller re-reads the request set of every subject with a live subscriber on a
// fixed interval and publishes only what changed since the previous read.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"inboxrelay/internal/inbox/metrics"
	"inboxrelay/internal/inbox/models"
)

// DefaultInterval is the poll period.
const DefaultInterval = time.Second

// Store lists one subject's requests.
type Store interface {
	ListRequests(ctx context.Context, subject string) ([]models.ApprovalRequest, error)
}

// Publisher receives change notifications.
type Publisher interface {
	Publish(subject string, n models.Notification)
}

// Poller runs one recurring poll task per active subject.
type Poller struct {
	store     Store
	publisher Publisher
	snapshots *Snapshots
	interval  time.Duration
	retain    bool
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithSnapshots shares a snapshot table, e.g. across poller restarts in tests.
func WithSnapshots(s *Snapshots) Option {
	return func(p *Poller) {
		if s != nil {
			p.snapshots = s
		}
	}
}

// WithRetainSnapshots keeps a subject's snapshot after its last subscriber leaves, so a
// returning subscriber is not sent the whole set again. Disabling it bounds memory to
// the active subjects.
func WithRetainSnapshots(retain bool) Option {
	return func(p *Poller) {
		p.retain = retain
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// New creates a poller with no running tasks.
func New(store Store, publisher Publisher, opts ...Option) (*Poller, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	p := &Poller{
		store:     store,
		publisher: publisher,
		snapshots: NewSnapshots(),
		interval:  DefaultInterval,
		retain:    true,
		logger:    slog.Default(),
		tasks:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Start begins polling subject. It returns immediately and is a no-op when the subject
// is already polled.
func (p *Poller) Start(subject string) {
	subject = models.NormalizeSubject(subject)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.tasks[subject]; ok {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.tasks[subject] = cancel
	p.wg.Add(1)
	go p.loop(ctx, subject)
}

// Stop cancels subject's poll task without waiting for it.
func (p *Poller) Stop(subject string) {
	subject = models.NormalizeSubject(subject)

	p.mu.Lock()
	cancel, ok := p.tasks[subject]
	delete(p.tasks, subject)
	p.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	if !p.retain {
		p.snapshots.Forget(subject)
	}
}

// SubjectActive starts polling when a subject gains its first subscriber.
func (p *Poller) SubjectActive(subject string) {
	p.Start(subject)
}

// SubjectIdle stops polling when a subject loses its last subscriber.
func (p *Poller) SubjectIdle(subject string) {
	p.Stop(subject)
}

// Subjects returns the subjects currently polled.
func (p *Poller) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.tasks))
	for s := range p.tasks {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Close stops every task and waits for in-flight polls to return.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.tasks = make(map[string]context.CancelFunc)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, subject string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx, subject); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", "subject", subject, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads subject's requests once and publishes the delta against the previous read.
// On a store error the snapshot is left untouched.
func (p *Poller) Poll(ctx context.Context, subject string) error {
	p.metrics.IncPolls()
	current, err := p.store.ListRequests(ctx, subject)
	if err != nil {
		p.metrics.IncPollFailures()
		return fmt.Errorf("list requests: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	delta := p.snapshots.Diff(subject, current)
	for _, n := range delta {
		p.publisher.Publish(subject, n)
	}
	p.metrics.AddPollChanges(len(delta))
	return nil
}
