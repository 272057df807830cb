// Package service is the read surface of the relay: live subscriptions, pending lists,
// point lookups and the viewed mutation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"inboxrelay/internal/inbox/models"
	"inboxrelay/internal/inbox/registry"
	"inboxrelay/pkg/platform/dedupe"
	"inboxrelay/pkg/platform/sentinel"
)

// Store is the part of the store gateway the read surface needs.
type Store interface {
	ListRequests(ctx context.Context, subject string) ([]models.ApprovalRequest, error)
	MarkViewed(ctx context.Context, key models.Key) (models.ApprovalRequest, error)
	ListInboxEntries(ctx context.Context, subject string) ([]models.InboxEntry, error)
}

// Cache is the hot-entry cache.
type Cache interface {
	Get(ctx context.Context, key models.Key) (models.ApprovalRequest, error)
	Put(ctx context.Context, req models.ApprovalRequest) error
	Invalidate(ctx context.Context, key models.Key) error
}

// Registry hands out live subscriptions and fans notifications out to them.
type Registry interface {
	Subscribe(subject string) *registry.Subscription
	Publish(subject string, n models.Notification)
}

// Shards makes sure every stream shard has a subscription task.
type Shards interface {
	Ensure(ctx context.Context) error
}

// Service coordinates the registry, cache and store for client-facing operations.
type Service struct {
	store    Store
	cache    Cache
	registry Registry
	shards   Shards

	refreshOnUpdate bool
	ensureTimeout   time.Duration
	logger          *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithShards starts the stream shard subscriptions on every Subscribe.
func WithShards(shards Shards) Option {
	return func(s *Service) {
		s.shards = shards
	}
}

// WithRefreshOnUpdate writes the updated value into the cache after MarkViewed instead of
// evicting it.
func WithRefreshOnUpdate(refresh bool) Option {
	return func(s *Service) {
		s.refreshOnUpdate = refresh
	}
}

// WithEnsureTimeout bounds the shard listing started by Subscribe.
func WithEnsureTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ensureTimeout = d
		}
	}
}

// New creates the service. store, cache and registry are required.
func New(store Store, cache Cache, reg Registry, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	s := &Service{
		store:         store,
		cache:         cache,
		registry:      reg,
		ensureTimeout: 10 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Subscribe opens a live subscription for subject. Shard subscriptions are ensured in
// the background; if listing the shards fails, that error ends this subscription only.
func (s *Service) Subscribe(ctx context.Context, subject string) (*registry.Subscription, error) {
	subject, err := normalize(subject)
	if err != nil {
		return nil, err
	}
	sub := s.registry.Subscribe(subject)
	if s.shards != nil {
		go s.ensureShards(context.WithoutCancel(ctx), sub)
	}
	return sub, nil
}

func (s *Service) ensureShards(ctx context.Context, sub *registry.Subscription) {
	ctx, cancel := context.WithTimeout(ctx, s.ensureTimeout)
	defer cancel()
	if err := s.shards.Ensure(ctx); err != nil {
		s.logger.WarnContext(ctx, "stream shards unavailable, ending subscription",
			"subject", sub.Subject(),
			"error", err,
		)
		sub.Fail(fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err))
	}
}

// PendingApprovals returns the subject's pending request ids at this instant: requests
// in the store plus legacy inbox rows, without duplicates, oldest request first.
func (s *Service) PendingApprovals(ctx context.Context, subject string) ([]uuid.UUID, error) {
	subject, err := normalize(subject)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.ListRequests(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("list requests for %s: %w", subject, err)
	}
	entries, err := s.store.ListInboxEntries(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("list inbox entries for %s: %w", subject, err)
	}

	ids := make([]uuid.UUID, 0, len(reqs)+len(entries))
	for _, req := range reqs {
		ids = append(ids, req.RequestID)
	}
	legacy := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		legacy = append(legacy, e.RequestID)
	}
	slices.SortFunc(legacy, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	ids = dedupe.Stable(append(ids, legacy...))
	return ids, nil
}

// Get returns one request through the cache.
func (s *Service) Get(ctx context.Context, subject string, id uuid.UUID) (models.ApprovalRequest, error) {
	key, err := keyOf(subject, id)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	return s.cache.Get(ctx, key)
}

// ListRequests returns every request in the subject's inbox, oldest first.
func (s *Service) ListRequests(ctx context.Context, subject string) ([]models.ApprovalRequest, error) {
	subject, err := normalize(subject)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.ListRequests(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("list requests for %s: %w", subject, err)
	}
	return reqs, nil
}

// MarkViewed flags a request as seen and tells live subscribers about the change.
func (s *Service) MarkViewed(ctx context.Context, subject string, id uuid.UUID) (models.ApprovalRequest, error) {
	key, err := keyOf(subject, id)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	req, err := s.store.MarkViewed(ctx, key)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("mark viewed %s: %w", key, err)
	}

	if s.refreshOnUpdate {
		err = s.cache.Put(ctx, req)
	} else {
		err = s.cache.Invalidate(ctx, key)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "cache update after mark viewed failed",
			"subject", key.Subject,
			"request_id", key.RequestID,
			"error", err,
		)
	}

	s.registry.Publish(key.Subject, models.Notification{Kind: models.KindUpdated, Request: req})
	return req, nil
}

// ErrInvalidInput marks a request the caller has to fix.
var ErrInvalidInput = errors.New("invalid input")

func normalize(subject string) (string, error) {
	subject = models.NormalizeSubject(subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	return subject, nil
}

func keyOf(subject string, id uuid.UUID) (models.Key, error) {
	key := models.Key{Subject: models.NormalizeSubject(subject), RequestID: id}
	if err := key.Validate(); err != nil {
		return models.Key{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return key, nil
}
