package prometheus

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cschleiden/go-automations/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func Test_Counter(t *testing.T) {
	c := New()

	c.Counter("automations.event.received", metrics.Tags{"source": "chat"}, 1)
	c.Counter("automations.event.received", metrics.Tags{"source": "chat"}, 2)
	c.Counter("automations.event.received", metrics.Tags{"source": "pager"}, 1)

	vec := c.v.counters["automations.event.received"]
	require.Equal(t, float64(3), testutil.ToFloat64(vec.WithLabelValues("chat")))
	require.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("pager")))
}

func Test_LabelSetIsFixedByFirstUse(t *testing.T) {
	c := New()

	c.Counter("automations.action.invoked", metrics.Tags{"driver": "chat", "status": "success"}, 1)

	// Missing labels record an empty value, unknown labels are dropped
	c.Counter("automations.action.invoked", metrics.Tags{"driver": "chat", "extra": "x"}, 1)

	vec := c.v.counters["automations.action.invoked"]
	require.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("chat", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("chat", "")))
}

func Test_WithTags(t *testing.T) {
	c := New()

	bc := c.WithTags(metrics.Tags{"backend": "memory"})
	bc.Gauge("automations.instance.active", metrics.Tags{}, 4)

	vec := c.v.gauges["automations.instance.active"]
	require.Equal(t, float64(4), testutil.ToFloat64(vec.WithLabelValues("memory")))
}

func Test_Handler(t *testing.T) {
	c := New()
	c.Timing("automations.action.duration", metrics.Tags{"driver": "chat"}, 20*time.Millisecond)
	c.Distribution("automations.instance.retention.size", nil, 3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	require.Contains(t, body, `automations_action_duration_seconds_count{driver="chat"} 1`)
	require.Contains(t, body, "automations_instance_retention_size_count 1")
}
