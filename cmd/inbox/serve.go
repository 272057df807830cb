package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inboxrelay/internal/inbox/cache"
	"inboxrelay/internal/inbox/escalation"
	"inboxrelay/internal/inbox/handler"
	"inboxrelay/internal/inbox/ingest"
	"inboxrelay/internal/inbox/metrics"
	"inboxrelay/internal/inbox/poller"
	"inboxrelay/internal/inbox/registry"
	"inboxrelay/internal/inbox/service"
	"inboxrelay/internal/inbox/store"
	"inboxrelay/internal/inbox/stream"
	"inboxrelay/internal/platform/config"
	"inboxrelay/internal/platform/httpserver"
	"inboxrelay/internal/platform/kafka/consumer"
	"inboxrelay/internal/platform/kafka/producer"
	"inboxrelay/internal/platform/logger"
	platformmetrics "inboxrelay/internal/platform/metrics"
	"inboxrelay/internal/platform/postgres"
	"inboxrelay/internal/platform/redis"
	"inboxrelay/pkg/platform/sentinel"
)

const shutdownGrace = 10 * time.Second

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: queue consumers, escalation, stream shards and the HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger.New(cfg.Server.LogLevel))
		},
	}
}

// serve wires every component and runs until ctx ends or one of them fails.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	httpMetrics := platformmetrics.New(reg)

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.NewPostgres(pool, store.WithTimeout(cfg.Postgres.Timeout))

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var backend cache.Backend
	if redisClient != nil {
		defer redisClient.Close()
		backend = cache.NewRedisBackend(redisClient.Client, cache.WithTTL(cfg.Redis.KeyTTL))
		log.Info("hot-entry cache backed by redis")
	} else {
		backend, err = cache.NewLRUBackend(cfg.Inbox.CacheSize)
		if err != nil {
			return err
		}
	}
	hot, err := cache.New(backend, st, cache.WithLogger(log), cache.WithMetrics(m))
	if err != nil {
		return err
	}

	subscribers := registry.New(
		registry.WithLogger(log),
		registry.WithMetrics(m),
		registry.WithBufferSize(cfg.Inbox.SubscriberBuffer),
	)
	poll, err := poller.New(st, subscribers,
		poller.WithInterval(cfg.Inbox.PollInterval),
		poller.WithRetainSnapshots(cfg.Inbox.RetainPollSnapshots),
		poller.WithLogger(log),
		poller.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer poll.Close()
	subscribers.AddObserver(poll)

	prod, err := producer.New(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	defer prod.Close()

	source, err := stream.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.UpdatesTopic)
	if err != nil {
		return err
	}
	shards, err := stream.New(source, subscribers,
		stream.WithLogger(log),
		stream.WithMetrics(m),
		stream.WithReconnectBackoff(500*time.Millisecond, cfg.Inbox.ShardReconnectMax),
	)
	if err != nil {
		return err
	}
	defer shards.Close()
	appender, err := stream.NewAppender(prod, cfg.Kafka.UpdatesTopic)
	if err != nil {
		return err
	}

	events, err := ingest.NewHandler(st, hot, subscribers,
		ingest.WithLogger(log),
		ingest.WithAppender(appender),
	)
	if err != nil {
		return err
	}
	topics := ingest.Topics{
		ApprovalRequest: cfg.Kafka.ApprovalRequestTopic,
		Deletion:        cfg.Kafka.DeletionTopic,
		Verification:    cfg.Kafka.VerificationTopic,
		Inbox:           cfg.Kafka.InboxTopic,
	}
	router := ingest.NewEventRouter(events, topics, cfg.Inbox.ApprovalWindow, time.Now,
		ingest.WithRouterLogger(log),
		ingest.WithRouterMetrics(m),
	)
	queue, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.Group, topics.Names(), consumer.WithLogger(log))
	if err != nil {
		return err
	}
	defer queue.Close()

	scheduler, err := escalation.New(st, prod, cfg.Kafka.AutoApprovalTopic,
		escalation.WithInterval(cfg.Inbox.EscalationInterval),
		escalation.WithConcurrency(cfg.Inbox.EscalationConcurrency),
		escalation.WithNotifier(subscribers),
		escalation.WithLogger(log),
		escalation.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	svc, err := service.New(st, hot, subscribers,
		service.WithShards(shards),
		service.WithRefreshOnUpdate(cfg.Inbox.CacheRefreshOnUpdate),
		service.WithEnsureTimeout(cfg.Postgres.Timeout),
		service.WithLogger(log),
	)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get("/health", healthHandler(map[string]func(context.Context) error{
		"postgres": pool.Ping,
		"kafka":    prod.Health,
		"redis": func(ctx context.Context) error {
			if redisClient == nil {
				return nil
			}
			return redisClient.Health(ctx)
		},
	}))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler.New(svc, log, handler.WithMetrics(httpMetrics)).Register(r)
	srv := httpserver.New(cfg.Server.Addr, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(queue.Run(gctx, router))
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		subscribers.Shutdown(sentinel.ErrClosed)
		return nil
	})
	g.Go(func() error {
		return httpserver.Run(gctx, srv, shutdownGrace, log)
	})

	log.Info("inbox relay started",
		"addr", cfg.Server.Addr,
		"topics", topics.Names(),
		"updates_topic", cfg.Kafka.UpdatesTopic,
	)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}
	log.Info("inbox relay stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, sentinel.ErrClosed) {
		return nil
	}
	return err
}

// healthHandler reports 200 when every dependency answers and 503 otherwise.
func healthHandler(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
