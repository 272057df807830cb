// Package registry multicasts notifications to the live subscribers of each subject.
//
// There is at most one channel per subject. It is created by the first Subscribe and
// released when its last subscription closes. Every publisher (ingestion, poller, stream
// shards, escalation) funnels through Publish, which suppresses a notification when the
// subject has already been shown the same value for that request, so the independent
// paths converge to a single delivery.
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"inboxrelay/internal/inbox/metrics"
	"inboxrelay/internal/inbox/models"
)

// DefaultBufferSize is the per-subscriber mailbox capacity.
const DefaultBufferSize = 16

// Observer is told when a subject gains its first subscriber and when it loses its
// last one. Callbacks run while the registry is locked and must not block or call back
// into the registry.
type Observer interface {
	SubjectActive(subject string)
	SubjectIdle(subject string)
}

// Registry owns the per-subject channel table.
type Registry struct {
	mu        sync.RWMutex
	channels  map[string]*channel
	observers []Observer

	bufferSize int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type seenKey struct {
	id           uuid.UUID
	verification bool
}

type channel struct {
	subject string

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	latest *models.Notification
	seen   map[seenKey]models.Notification
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithBufferSize sets how many undelivered notifications a subscriber may hold before
// the oldest are dropped.
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		channels:   make(map[string]*channel),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver registers a lifecycle observer. Subjects already active are not replayed.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Subscribe attaches a new listener to subject. The listener first receives the most
// recent notification published on the subject's channel, if any, then every later one.
func (r *Registry) Subscribe(subject string) *Subscription {
	subject = models.NormalizeSubject(subject)
	sub := &Subscription{
		subject: subject,
		reg:     r,
		box:     newMailbox(r.bufferSize),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[subject]
	if !ok {
		ch = &channel{
			subject: subject,
			subs:    make(map[*Subscription]struct{}),
			seen:    make(map[seenKey]models.Notification),
		}
		r.channels[subject] = ch
		r.metrics.SetChannelsActive(len(r.channels))
		for _, o := range r.observers {
			o.SubjectActive(subject)
		}
		r.logger.Debug("subject channel opened", "subject", subject)
	}

	ch.mu.Lock()
	ch.subs[sub] = struct{}{}
	if ch.latest != nil {
		sub.box.push(*ch.latest)
	}
	ch.mu.Unlock()

	r.metrics.AddSubscribers(1)
	return sub
}

// Publish fans n out to every current subscriber of subject and records it as the
// channel's latest value. It is a no-op when the subject has no live channel or when
// the subject has already been shown the same value for this request.
func (r *Registry) Publish(subject string, n models.Notification) {
	subject = models.NormalizeSubject(subject)

	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[subject]
	if !ok {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	key := seenKey{id: n.Request.RequestID, verification: n.Kind == models.KindVerification}
	if prev, ok := ch.seen[key]; ok && redundant(prev, n) {
		r.metrics.IncDeduplicated()
		return
	}
	ch.seen[key] = n
	latest := n
	ch.latest = &latest

	for sub := range ch.subs {
		if sub.box.push(n) {
			r.metrics.IncOverwritten()
		}
	}
	r.metrics.IncPublished(string(n.Kind))
}

// redundant reports whether next adds nothing over prev. Created and updated both mean
// "the request now looks like this", so they are interchangeable for suppression.
func redundant(prev, next models.Notification) bool {
	if !prev.Request.Equal(next.Request) {
		return false
	}
	if prev.Kind == next.Kind {
		return true
	}
	return isUpsert(prev.Kind) && isUpsert(next.Kind)
}

func isUpsert(k models.Kind) bool {
	return k == models.KindCreated || k == models.KindUpdated
}

// Active reports whether subject currently has a live channel.
func (r *Registry) Active(subject string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[models.NormalizeSubject(subject)]
	return ok
}

// Subscribers returns the number of live subscriptions for subject.
func (r *Registry) Subscribers(subject string) int {
	r.mu.RLock()
	ch, ok := r.channels[models.NormalizeSubject(subject)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Shutdown ends every live subscription with err (sentinel.ErrClosed when nil).
func (r *Registry) Shutdown(err error) {
	r.mu.RLock()
	var subs []*Subscription
	for _, ch := range r.channels {
		ch.mu.Lock()
		for sub := range ch.subs {
			subs = append(subs, sub)
		}
		ch.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub.Fail(err)
	}
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[sub.subject]
	if !ok {
		return
	}
	ch.mu.Lock()
	if _, ok := ch.subs[sub]; !ok {
		ch.mu.Unlock()
		return
	}
	delete(ch.subs, sub)
	remaining := len(ch.subs)
	ch.mu.Unlock()

	r.metrics.AddSubscribers(-1)
	if dropped := sub.box.droppedCount(); dropped > 0 {
		r.logger.Debug("subscriber dropped notifications", "subject", sub.subject, "dropped", dropped)
	}
	if remaining > 0 {
		return
	}
	delete(r.channels, sub.subject)
	r.metrics.SetChannelsActive(len(r.channels))
	for _, o := range r.observers {
		o.SubjectIdle(sub.subject)
	}
	r.logger.Debug("subject channel released", "subject", sub.subject)
}
