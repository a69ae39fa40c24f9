package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stopboard/stopboard"
)

// Collector holds the process's prometheus metrics. It doubles as the
// subscription registry: streams register on create and deregister on
// close, driving the active-subscriptions gauge.
type Collector struct {
	reg *prometheus.Registry

	ActiveSubscriptions prometheus.Gauge
	SubscriptionsTotal  prometheus.Counter

	PassDuration  prometheus.Histogram
	PassErrors    prometheus.Counter
	RealtimeErrs  prometheus.Counter
	StaticRefresh prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

var _ stopboard.Registry = (*Collector)(nil)

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stopboard_active_subscriptions",
			Help: "Number of currently attached schedule subscriptions.",
		}),
		SubscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopboard_subscriptions_total",
			Help: "Total subscriptions created.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stopboard_pass_duration_seconds",
			Help:    "Duration of aggregation passes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PassErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopboard_pass_errors_total",
			Help: "Total aggregation passes that failed.",
		}),
		RealtimeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopboard_realtime_errors_total",
			Help: "Total realtime fetches that degraded to static data.",
		}),
		StaticRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopboard_static_refreshes_total",
			Help: "Total static feed refreshes.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopboard_cache_hits_total",
			Help: "Total cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopboard_cache_misses_total",
			Help: "Total cache misses.",
		}),
	}

	reg.MustRegister(
		c.ActiveSubscriptions, c.SubscriptionsTotal,
		c.PassDuration, c.PassErrors, c.RealtimeErrs, c.StaticRefresh,
		c.CacheHits, c.CacheMisses,
	)

	return c
}

func (c *Collector) Add(queries []stopboard.RouteStopQuery) {
	c.ActiveSubscriptions.Inc()
	c.SubscriptionsTotal.Inc()
}

func (c *Collector) Remove(queries []stopboard.RouteStopQuery) {
	c.ActiveSubscriptions.Dec()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
