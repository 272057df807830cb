package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"inboxrelay/internal/inbox/metrics"
	"inboxrelay/internal/platform/kafka/consumer"
	"inboxrelay/pkg/platform/dedupe"
)

// Topics names the inbound queue topics.
type Topics struct {
	ApprovalRequest string
	Deletion        string
	Verification    string
	Inbox           string
}

// Names returns every configured topic once. Topics may share a name.
func (t Topics) Names() []string {
	return dedupe.Trimmed([]string{t.ApprovalRequest, t.Deletion, t.Verification, t.Inbox})
}

// TopicHandler handles messages from a specific topic.
type TopicHandler interface {
	Handle(ctx context.Context, msg *consumer.Message) error
}

// Router dispatches messages to topic-specific handlers.
type Router struct {
	handlers map[string]TopicHandler
	fallback TopicHandler
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// RouterOption configures a Router.
type RouterOption func(*Router)

func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithRouterMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithFallback handles messages from topics without a registered handler.
func WithFallback(h TopicHandler) RouterOption {
	return func(r *Router) {
		r.fallback = h
	}
}

// NewRouter creates an empty topic router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		handlers: make(map[string]TopicHandler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewEventRouter registers a decoding handler for every configured topic. now and window
// drive the default deadline of new requests.
func NewEventRouter(h *Handler, topics Topics, window time.Duration, now func() time.Time, opts ...RouterOption) *Router {
	if now == nil {
		now = time.Now
	}
	r := NewRouter(opts...)
	if topics.ApprovalRequest != "" {
		r.Register(topics.ApprovalRequest, r.decoding(h, func(msg *consumer.Message) (Event, error) {
			return DecodeNewRequest(msg.Value, now(), window)
		}))
	}
	if topics.Deletion != "" {
		r.Register(topics.Deletion, r.decoding(h, func(msg *consumer.Message) (Event, error) {
			return DecodeDeletion(msg.Value)
		}))
	}
	if topics.Verification != "" {
		r.Register(topics.Verification, r.decoding(h, func(msg *consumer.Message) (Event, error) {
			return DecodeVerification(msg.Value)
		}))
	}
	if topics.Inbox != "" {
		r.Register(topics.Inbox, r.decoding(h, func(msg *consumer.Message) (Event, error) {
			return DecodeLegacyInbox(msg.Value)
		}))
	}
	return r
}

// Register adds a handler for a specific topic.
func (r *Router) Register(topic string, handler TopicHandler) {
	r.handlers[topic] = handler
}

// Handle routes the message to the appropriate topic handler.
func (r *Router) Handle(ctx context.Context, msg *consumer.Message) error {
	handler, ok := r.handlers[msg.Topic]
	if !ok {
		if r.fallback != nil {
			return r.fallback.Handle(ctx, msg)
		}
		r.logger.WarnContext(ctx, "no handler for topic, skipping message",
			"topic", msg.Topic,
			"key", string(msg.Key),
		)
		r.metrics.IncMessagesHandled(msg.Topic, "unrouted")
		return nil
	}
	err := handler.Handle(ctx, msg)
	switch {
	case err == nil:
		r.metrics.IncMessagesHandled(msg.Topic, "ok")
	case errors.Is(err, errUndecodable):
		r.metrics.IncMessagesHandled(msg.Topic, "undecodable")
		return nil
	default:
		r.metrics.IncMessagesHandled(msg.Topic, "failed")
	}
	return err
}

var errUndecodable = errors.New("undecodable message")

type decodingHandler struct {
	decode  func(*consumer.Message) (Event, error)
	handler *Handler
	logger  *slog.Logger
}

func (r *Router) decoding(h *Handler, decode func(*consumer.Message) (Event, error)) TopicHandler {
	return &decodingHandler{decode: decode, handler: h, logger: r.logger}
}

// Handle drops malformed payloads after logging them; they would fail the same way on
// every redelivery.
func (d *decodingHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	ev, err := d.decode(msg)
	if err != nil {
		d.logger.WarnContext(ctx, "dropping undecodable message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return errUndecodable
	}
	return d.handler.Apply(ctx, ev)
}
