package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.APIRequestDuration)

	assert.NotNil(t, m.EventsReceivedTotal)
	assert.NotNil(t, m.EventsFilteredTotal)
	assert.NotNil(t, m.EventsThrottledTotal)
	assert.NotNil(t, m.EventsDroppedTotal)
	assert.NotNil(t, m.EventsAcceptedTotal)
	assert.NotNil(t, m.PipelineDuration)
	assert.NotNil(t, m.CooldownEntries)
	assert.NotNil(t, m.ConfigReloadsTotal)

	assert.NotNil(t, m.NotifierConnectionsActive)
	assert.NotNil(t, m.NotifierSubscribersActive)
	assert.NotNil(t, m.NotifierEventsPublished)
	assert.NotNil(t, m.NotifierDeliveryErrors)
	assert.NotNil(t, m.NotifierEventDelay)

	assert.NotNil(t, m.SourceConnected)
	assert.NotNil(t, m.SourceReconnectsTotal)
	assert.NotNil(t, m.StorageOperations)
}

func TestMetricsOperations(t *testing.T) {
	m := GetMetrics()

	before := testutil.ToFloat64(m.EventsFilteredTotal.WithLabelValues("unchanged"))
	m.EventsFilteredTotal.WithLabelValues("unchanged").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(m.EventsFilteredTotal.WithLabelValues("unchanged")))

	m.CooldownEntries.Set(10)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.CooldownEntries))

	m.PipelineDuration.Observe(0.0001)
}

func BenchmarkMetricsOperations(b *testing.B) {
	registry := prometheus.NewRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_counter_vec",
			Help: "Benchmark counter vec",
		},
		[]string{"reason"},
	)
	registry.MustRegister(counterVec)

	reasons := []string{"unchanged", "entity_not_allowed", "domain_excluded"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counterVec.WithLabelValues(reasons[i%len(reasons)]).Inc()
	}
}
