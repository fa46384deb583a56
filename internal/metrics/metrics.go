package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the popup bridge
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	EventsReceivedTotal  prometheus.Counter
	EventsFilteredTotal  *prometheus.CounterVec
	EventsThrottledTotal prometheus.Counter
	EventsDroppedTotal   *prometheus.CounterVec
	EventsAcceptedTotal  prometheus.Counter
	PipelineDuration     prometheus.Histogram
	CooldownEntries      prometheus.Gauge
	ConfigReloadsTotal   *prometheus.CounterVec

	// Notifier metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierSubscribersActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierDeliveryErrors    *prometheus.CounterVec
	NotifierEventDelay        prometheus.Histogram

	// Source metrics
	SourceConnected       *prometheus.GaugeVec
	SourceReconnectsTotal *prometheus.CounterVec

	// Storage metrics
	StorageOperations *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "statepopup_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	m.EventsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statepopup_events_received_total",
			Help: "Total number of state changes received from the event source",
		},
	)

	m.EventsFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_events_filtered_total",
			Help: "Total number of state changes rejected by the filter",
		},
		[]string{"reason"},
	)

	m.EventsThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statepopup_events_throttled_total",
			Help: "Total number of state changes rejected by the cooldown gate",
		},
	)

	m.EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_events_dropped_total",
			Help: "Total number of state changes dropped before filtering",
		},
		[]string{"reason"}, // no_config, stopped
	)

	m.EventsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statepopup_events_accepted_total",
			Help: "Total number of state changes turned into popups",
		},
	)

	m.PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statepopup_pipeline_duration_seconds",
			Help:    "Duration of filter, cooldown, build and publish for one change",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // from 10µs to ~20ms
		},
	)

	m.CooldownEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "statepopup_cooldown_entries",
			Help: "Number of entities tracked by the active cooldown ledger",
		},
	)

	m.ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_config_reloads_total",
			Help: "Total number of times the effective configuration was rebuilt",
		},
		[]string{"trigger"}, // startup, store, file
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "statepopup_notifier_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	m.NotifierSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "statepopup_notifier_subscribers_active",
			Help: "Number of registered popup subscriptions",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_notifier_events_published_total",
			Help: "Total number of popups handed to subscribers",
		},
		[]string{"result"}, // delivered, dropped
	)

	m.NotifierDeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_notifier_delivery_errors_total",
			Help: "Total number of failed deliveries to a subscriber",
		},
		[]string{"reason"}, // sink_error, encode_error
	)

	m.NotifierEventDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statepopup_notifier_event_delay_seconds",
			Help:    "Delay between publish and delivery to a subscriber in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // from 0.1ms to ~51ms
		},
	)

	// Source metrics
	m.SourceConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "statepopup_source_connected",
			Help: "Whether the event source is connected (1) or not (0)",
		},
		[]string{"source"},
	)

	m.SourceReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_source_reconnects_total",
			Help: "Total number of event source reconnect attempts",
		},
		[]string{"source"},
	)

	// Storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statepopup_storage_operations_total",
			Help: "Total number of config entry storage operations",
		},
		[]string{"operation", "success"},
	)

	return m
}
