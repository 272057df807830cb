// Package handler exposes the inbox read surface over HTTP: a server-sent event stream per
// subject plus JSON endpoints for pending ids, lookups and the viewed flag.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inboxrelay/internal/inbox/models"
	"inboxrelay/internal/inbox/registry"
	"inboxrelay/internal/inbox/service"
	"inboxrelay/internal/platform/metrics"
	"inboxrelay/internal/platform/middleware"
	"inboxrelay/pkg/platform/sentinel"
)

// Service is the read surface the handler delegates to.
type Service interface {
	Subscribe(ctx context.Context, subject string) (*registry.Subscription, error)
	PendingApprovals(ctx context.Context, subject string) ([]uuid.UUID, error)
	Get(ctx context.Context, subject string, id uuid.UUID) (models.ApprovalRequest, error)
	ListRequests(ctx context.Context, subject string) ([]models.ApprovalRequest, error)
	MarkViewed(ctx context.Context, subject string, id uuid.UUID) (models.ApprovalRequest, error)
}

// Handler serves the /inbox routes.
type Handler struct {
	service   Service
	logger    *slog.Logger
	metrics   *metrics.Metrics
	heartbeat time.Duration
	timeout   time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithHeartbeat sets how often an idle stream sends a keep-alive comment.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTimeout bounds the non-streaming endpoints.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates an inbox Handler.
func New(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		service:   svc,
		logger:    logger,
		heartbeat: 15 * time.Second,
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the inbox routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/inbox/{subject}", func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Latency(h.metrics))

		r.Get("/stream", h.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(h.withTimeout)
			r.Get("/pending", h.handlePending)
			r.Get("/requests", h.handleList)
			r.Get("/requests/{id}", h.handleGet)
			r.Put("/requests/{id}/viewed", h.handleMarkViewed)
		})
	})
}

func (h *Handler) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleStream pushes every notification for the subject as an SSE data event until the
// client disconnects. A terminal subscription error is sent as an "error" event.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	sub, err := h.service.Subscribe(ctx, chi.URLParam(r, "subject"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()
	defer h.metrics.StreamOpened()()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
		n, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := writeEvent(w, "", n); err != nil {
				return
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		default:
			h.logger.InfoContext(ctx, "inbox stream ended",
				"subject", sub.Subject(),
				"request_id", middleware.GetRequestID(ctx),
				"error", err,
			)
			if !errors.Is(err, sentinel.ErrClosed) {
				_ = writeEvent(w, "error", errorBody{Error: errorCode(err), Description: err.Error()})
				flusher.Flush()
			}
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.PendingApprovals(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, ids)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.service.ListRequests(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, reqs)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Get(r.Context(), chi.URLParam(r, "subject"), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, req)
}

func (h *Handler) handleMarkViewed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	req, err := h.service.MarkViewed(r.Context(), chi.URLParam(r, "subject"), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, req)
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, errors.Join(service.ErrInvalidInput, errors.New("request id must be a UUID")))
		return uuid.Nil, false
	}
	return id, true
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write response",
			"error", err,
			"request_id", middleware.GetRequestID(r.Context()),
		)
	}
}

// writeError maps sentinel errors to status codes. Internal errors carry no description.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: errorCode(err)}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "inbox request failed",
			"error", err,
			"request_id", middleware.GetRequestID(r.Context()),
		)
	} else {
		body.Description = err.Error()
	}
	h.writeJSON(w, r, status, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sentinel.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch statusOf(err) {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
