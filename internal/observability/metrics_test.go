package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)
	assert.NotNil(t, m.PromRequestDuration)
	assert.NotNil(t, m.PromUpstreamDuration)
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncForwarded()
	m.IncForwarded()
	m.IncRejected()
	m.IncFailed()
	m.IncClientGone()
	m.IncClientLimited()
	m.IncRedisErrors()
	m.IncInvalidTokens()
	m.IncEventsDropped()

	assert.Equal(t, MetricsSnapshot{
		Forwarded:     2,
		Rejected:      1,
		Failed:        1,
		ClientGone:    1,
		ClientLimited: 1,
		RedisErrors:   1,
		InvalidTokens: 1,
		EventsDropped: 1,
	}, m.Snapshot())

	assert.InDelta(t, 2, testutil.ToFloat64(m.promForwarded), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promRejected), 0)
}

func TestMetricsTokenGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetTokenState("abcd", 5000, 4321, 2)
	assert.InDelta(t, 4321, testutil.ToFloat64(m.promTokenRemaining.WithLabelValues("abcd")), 0)
	assert.InDelta(t, 5000, testutil.ToFloat64(m.promTokenLimit.WithLabelValues("abcd")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.promTokenPending.WithLabelValues("abcd")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.promTokenRemaining))

	m.DeleteToken("abcd")
	assert.Equal(t, 0, testutil.CollectAndCount(m.promTokenRemaining))
}

func TestMetricsObserveUpstream(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveUpstream(150 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.PromUpstreamDuration))
}
