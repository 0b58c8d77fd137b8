package prometheus

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cschleiden/go-automations/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client records metrics in a Prometheus registry. Metric names are sanitized ("automations.event.received"
// becomes "automations_event_received_total"). The label set of a metric is fixed by its first
// use; later tags missing a label record an empty value, tags without a label are dropped.
type Client struct {
	v    *vectors
	tags metrics.Tags
}

type vectors struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

var _ metrics.Client = (*Client)(nil)

func New() *Client {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Client{
		v: &vectors{
			registry:   r,
			counters:   map[string]*prometheus.CounterVec{},
			gauges:     map[string]*prometheus.GaugeVec{},
			histograms: map[string]*prometheus.HistogramVec{},
			labels:     map[string][]string{},
		},
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.v.registry, promhttp.HandlerOpts{})
}

func (c *Client) Registry() *prometheus.Registry {
	return c.v.registry
}

func (c *Client) Counter(name string, tags metrics.Tags, value int64) {
	tags = c.merge(tags)

	c.v.mu.Lock()
	vec, ok := c.v.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sanitize(name) + "_total",
		}, c.v.labelNames(name, tags))
		c.v.registry.MustRegister(vec)
		c.v.counters[name] = vec
	}
	labels := c.v.labels[name]
	c.v.mu.Unlock()

	vec.WithLabelValues(values(labels, tags)...).Add(float64(value))
}

func (c *Client) Distribution(name string, tags metrics.Tags, value float64) {
	c.histogram(sanitize(name), name, prometheus.DefBuckets, tags).Observe(value)
}

func (c *Client) Gauge(name string, tags metrics.Tags, value int64) {
	tags = c.merge(tags)

	c.v.mu.Lock()
	vec, ok := c.v.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitize(name),
		}, c.v.labelNames(name, tags))
		c.v.registry.MustRegister(vec)
		c.v.gauges[name] = vec
	}
	labels := c.v.labels[name]
	c.v.mu.Unlock()

	vec.WithLabelValues(values(labels, tags)...).Set(float64(value))
}

func (c *Client) Timing(name string, tags metrics.Tags, duration time.Duration) {
	c.histogram(sanitize(name)+"_seconds", name, prometheus.ExponentialBuckets(0.005, 2, 14), tags).Observe(duration.Seconds())
}

func (c *Client) WithTags(tags metrics.Tags) metrics.Client {
	return &Client{
		v:    c.v,
		tags: c.merge(tags),
	}
}

func (c *Client) histogram(metricName, name string, buckets []float64, tags metrics.Tags) prometheus.Observer {
	tags = c.merge(tags)

	c.v.mu.Lock()
	vec, ok := c.v.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricName,
			Buckets: buckets,
		}, c.v.labelNames(name, tags))
		c.v.registry.MustRegister(vec)
		c.v.histograms[name] = vec
	}
	labels := c.v.labels[name]
	c.v.mu.Unlock()

	return vec.WithLabelValues(values(labels, tags)...)
}

func (c *Client) merge(tags metrics.Tags) metrics.Tags {
	if len(c.tags) == 0 {
		return tags
	}

	r := make(metrics.Tags, len(c.tags)+len(tags))
	for k, v := range c.tags {
		r[k] = v
	}

	for k, v := range tags {
		r[k] = v
	}

	return r
}

// labelNames fixes the label set of a metric. Must be called with mu held.
func (v *vectors) labelNames(name string, tags metrics.Tags) []string {
	labels := make([]string, 0, len(tags))
	for k := range tags {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	sanitized := make([]string, len(labels))
	for i, l := range labels {
		sanitized[i] = sanitize(l)
	}

	v.labels[name] = labels

	return sanitized
}

func values(labels []string, tags metrics.Tags) []string {
	r := make([]string, len(labels))
	for i, l := range labels {
		r[i] = tags[l]
	}

	return r
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}

		return '_'
	}, name)
}
