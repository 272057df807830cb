// Package metrics holds the Prometheus collectors for the inbox relay. Every method is safe
// to call on a nil *Metrics so components can run without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the inbox relay.
type Metrics struct {
	ChannelsActive            prometheus.Gauge
	SubscribersActive         prometheus.Gauge
	NotificationsPublished    *prometheus.CounterVec
	NotificationsDeduplicated prometheus.Counter
	NotificationsOverwritten  prometheus.Counter

	ShardsActive       prometheus.Gauge
	ShardReconnects    prometheus.Counter
	StreamRecords      prometheus.Counter
	StreamDecodeErrors prometheus.Counter

	Polls         prometheus.Counter
	PollFailures  prometheus.Counter
	PollDeltaSize prometheus.Counter

	Sweeps               prometheus.Counter
	SweepFailures        prometheus.Counter
	SweepDuration        prometheus.Histogram
	EscalationsSubmitted prometheus.Counter
	EscalationFailures   prometheus.Counter
	CircuitBreakerState  prometheus.Gauge

	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheLoadDuration  prometheus.Histogram
	CacheInvalidations prometheus.Counter

	MessagesHandled *prometheus.CounterVec
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChannelsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_registry_channels_active",
			Help: "Number of subjects with at least one live subscriber",
		}),
		SubscribersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_registry_subscribers_active",
			Help: "Number of live subscriptions across all subjects",
		}),
		NotificationsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_registry_notifications_published_total",
			Help: "Notifications fanned out to subscribers, by kind",
		}, []string{"kind"}),
		NotificationsDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_registry_notifications_deduplicated_total",
			Help: "Notifications suppressed because the subject already saw the same value",
		}),
		NotificationsOverwritten: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_registry_notifications_overwritten_total",
			Help: "Notifications dropped from a slow subscriber's buffer to make room for newer ones",
		}),
		ShardsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_stream_shards_active",
			Help: "Number of shard subscriptions currently running",
		}),
		ShardReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_stream_shard_reconnects_total",
			Help: "Shard subscriptions restarted after a fault",
		}),
		StreamRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_stream_records_total",
			Help: "Records decoded from the event stream",
		}),
		StreamDecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_stream_decode_errors_total",
			Help: "Stream records dropped because they could not be decoded",
		}),
		Polls: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_poller_polls_total",
			Help: "Change-detection polls executed",
		}),
		PollFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_poller_failures_total",
			Help: "Change-detection polls that failed to read the store",
		}),
		PollDeltaSize: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_poller_changes_total",
			Help: "Requests published by the poller because they were new or changed",
		}),
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_escalation_sweeps_total",
			Help: "Deadline escalation sweeps executed",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_escalation_sweep_failures_total",
			Help: "Sweeps that could not read expired requests from the store",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "inbox_escalation_sweep_duration_seconds",
			Help:    "Duration of deadline escalation sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		EscalationsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_escalation_submitted_total",
			Help: "Auto-approval messages submitted for expired requests",
		}),
		EscalationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_escalation_failures_total",
			Help: "Auto-approval submissions that failed or were skipped by the circuit breaker",
		}),
		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_escalation_circuit_breaker_state",
			Help: "Outbound circuit breaker state (0=closed/healthy, 1=open/unhealthy)",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_cache_hits_total",
			Help: "Hot-entry cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_cache_misses_total",
			Help: "Hot-entry cache misses that loaded from the store",
		}),
		CacheLoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "inbox_cache_load_duration_seconds",
			Help:    "Latency of cache loads from the store",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		CacheInvalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_cache_invalidations_total",
			Help: "Explicit hot-entry cache invalidations",
		}),
		MessagesHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_ingest_messages_total",
			Help: "Inbound queue messages handled, by topic and outcome",
		}, []string{"topic", "outcome"}),
	}
}

func (m *Metrics) SetChannelsActive(n int) {
	if m == nil {
		return
	}
	m.ChannelsActive.Set(float64(n))
}

func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.SubscribersActive.Add(float64(delta))
}

func (m *Metrics) IncPublished(kind string) {
	if m == nil {
		return
	}
	m.NotificationsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDeduplicated() {
	if m == nil {
		return
	}
	m.NotificationsDeduplicated.Inc()
}

func (m *Metrics) IncOverwritten() {
	if m == nil {
		return
	}
	m.NotificationsOverwritten.Inc()
}

func (m *Metrics) SetShardsActive(n int) {
	if m == nil {
		return
	}
	m.ShardsActive.Set(float64(n))
}

func (m *Metrics) IncShardReconnects() {
	if m == nil {
		return
	}
	m.ShardReconnects.Inc()
}

func (m *Metrics) IncStreamRecords() {
	if m == nil {
		return
	}
	m.StreamRecords.Inc()
}

func (m *Metrics) IncStreamDecodeErrors() {
	if m == nil {
		return
	}
	m.StreamDecodeErrors.Inc()
}

func (m *Metrics) IncPolls() {
	if m == nil {
		return
	}
	m.Polls.Inc()
}

func (m *Metrics) IncPollFailures() {
	if m == nil {
		return
	}
	m.PollFailures.Inc()
}

func (m *Metrics) AddPollChanges(n int) {
	if m == nil {
		return
	}
	m.PollDeltaSize.Add(float64(n))
}

// ObserveSweep records one sweep; failed marks a store read failure.
func (m *Metrics) ObserveSweep(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
	m.SweepDuration.Observe(d.Seconds())
	if failed {
		m.SweepFailures.Inc()
	}
}

func (m *Metrics) IncEscalationsSubmitted() {
	if m == nil {
		return
	}
	m.EscalationsSubmitted.Inc()
}

func (m *Metrics) IncEscalationFailures() {
	if m == nil {
		return
	}
	m.EscalationFailures.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitBreakerState.Set(1)
	} else {
		m.CircuitBreakerState.Set(0)
	}
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// ObserveCacheMiss records a miss and the latency of the load that served it.
func (m *Metrics) ObserveCacheMiss(load time.Duration) {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
	m.CacheLoadDuration.Observe(load.Seconds())
}

func (m *Metrics) IncCacheInvalidations() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

func (m *Metrics) IncMessagesHandled(topic, outcome string) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(topic, outcome).Inc()
}
