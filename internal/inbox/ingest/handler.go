// Package ingest applies inbound queue events to the store, the cache and the live
// subscribers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/platform/sentinel"
)

// Store is the write side of the store gateway.
type Store interface {
	SaveRequest(ctx context.Context, req models.ApprovalRequest) error
	FindRequest(ctx context.Context, key models.Key) (models.ApprovalRequest, error)
	DeleteRequest(ctx context.Context, key models.Key) error
	SaveVerification(ctx context.Context, v models.VerificationRequest) error
	SaveInboxEntry(ctx context.Context, entry models.InboxEntry) error
}

// Cache is the hot-entry cache.
type Cache interface {
	Put(ctx context.Context, req models.ApprovalRequest) error
	Invalidate(ctx context.Context, key models.Key) error
}

// Publisher fans notifications out to live subscribers.
type Publisher interface {
	Publish(subject string, n models.Notification)
}

// Appender writes notifications onto the partitioned update stream.
type Appender interface {
	Append(ctx context.Context, n models.Notification) error
}

// Handler applies decoded events.
type Handler struct {
	store     Store
	cache     Cache
	publisher Publisher
	appender  Appender
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithAppender also writes every new request onto the update stream.
func WithAppender(a Appender) Option {
	return func(h *Handler) {
		h.appender = a
	}
}

// NewHandler creates an event handler. store, cache and publisher are required.
func NewHandler(store Store, cache Cache, publisher Publisher, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	h := &Handler{
		store:     store,
		cache:     cache,
		publisher: publisher,
		logger:    slog.Default(),
		tracer:    otel.Tracer("inboxrelay/ingest"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Apply dispatches ev to its handler.
func (h *Handler) Apply(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case NewRequest:
		return h.HandleNewRequest(ctx, e)
	case Deletion:
		return h.HandleDeletion(ctx, e)
	case Verification:
		return h.HandleVerification(ctx, e)
	case LegacyInbox:
		return h.HandleLegacyInbox(ctx, e)
	default:
		return fmt.Errorf("%w: unsupported event %T", sentinel.ErrInvalidState, ev)
	}
}

// HandleNewRequest persists the request, then refreshes the cache, notifies live
// subscribers and appends it to the update stream. Only the store write can fail the
// event.
func (h *Handler) HandleNewRequest(ctx context.Context, ev NewRequest) (err error) {
	req := ev.Request.Normalized()
	ctx, span := h.startSpan(ctx, "ingest.new_request", req.Key())
	defer endSpan(span, &err)

	if err := h.store.SaveRequest(ctx, req); err != nil {
		return fmt.Errorf("save request %s: %w", req.Key(), err)
	}
	if err := h.cache.Put(ctx, req); err != nil {
		h.logger.WarnContext(ctx, "cache put failed", "subject", req.Subject, "request_id", req.RequestID, "error", err)
	}

	n := models.Notification{Kind: models.KindCreated, Request: req}
	h.publisher.Publish(req.Subject, n)

	if h.appender != nil {
		if err := h.appender.Append(ctx, n); err != nil {
			h.logger.WarnContext(ctx, "stream append failed", "subject", req.Subject, "request_id", req.RequestID, "error", err)
		}
	}
	h.logger.InfoContext(ctx, "approval request received",
		"subject", req.Subject, "request_id", req.RequestID, "deadline", req.Deadline.Format(time.RFC3339))
	return nil
}

// HandleDeletion evicts the cache entry on both sides of the store delete, so a load
// racing the delete cannot leave the deleted value behind.
func (h *Handler) HandleDeletion(ctx context.Context, ev Deletion) (err error) {
	key := ev.Key
	ctx, span := h.startSpan(ctx, "ingest.deletion", key)
	defer endSpan(span, &err)

	previous, findErr := h.store.FindRequest(ctx, key)
	if findErr != nil && !errors.Is(findErr, sentinel.ErrNotFound) {
		h.logger.WarnContext(ctx, "lookup before delete failed", "subject", key.Subject, "request_id", key.RequestID, "error", findErr)
	}

	if err := h.cache.Invalidate(ctx, key); err != nil {
		h.logger.WarnContext(ctx, "cache invalidate failed", "subject", key.Subject, "request_id", key.RequestID, "error", err)
	}
	if err := h.store.DeleteRequest(ctx, key); err != nil {
		return fmt.Errorf("delete request %s: %w", key, err)
	}
	if err := h.cache.Invalidate(ctx, key); err != nil {
		return fmt.Errorf("invalidate cache %s: %w", key, err)
	}

	if findErr != nil {
		previous = models.ApprovalRequest{Subject: key.Subject, RequestID: key.RequestID}
	}
	h.publisher.Publish(key.Subject, models.Notification{Kind: models.KindDeleted, Request: previous})
	return nil
}

// HandleVerification stores the verification and notifies the subject.
func (h *Handler) HandleVerification(ctx context.Context, ev Verification) (err error) {
	v := ev.Request
	ctx, span := h.startSpan(ctx, "ingest.verification", v.Key())
	defer endSpan(span, &err)

	if err := h.store.SaveVerification(ctx, v); err != nil {
		return fmt.Errorf("save verification %s: %w", v.Key(), err)
	}
	h.publisher.Publish(v.Subject, models.Notification{
		Kind:    models.KindVerification,
		Request: models.ApprovalRequest{Subject: v.Subject, RequestID: v.RequestID, Viewed: v.Viewed},
	})
	return nil
}

// HandleLegacyInbox stores a legacy inbox pointer.
func (h *Handler) HandleLegacyInbox(ctx context.Context, ev LegacyInbox) (err error) {
	key := models.Key{Subject: ev.Entry.Subject, RequestID: ev.Entry.RequestID}
	ctx, span := h.startSpan(ctx, "ingest.legacy_inbox", key)
	defer endSpan(span, &err)

	if err := h.store.SaveInboxEntry(ctx, ev.Entry); err != nil {
		return fmt.Errorf("save inbox entry %s: %w", key, err)
	}
	return nil
}

func (h *Handler) startSpan(ctx context.Context, name string, key models.Key) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("inbox.subject", key.Subject),
		attribute.String("inbox.request_id", key.RequestID.String()),
	))
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
