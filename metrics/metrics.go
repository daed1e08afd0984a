// Package metrics exposes Prometheus collectors for the aggregation
// pipeline and the HTTP surface. A nil *Collector is valid and records
// nothing, so components can run without metrics in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fusion"

// Collector holds every metric the service exports.
type Collector struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec

	tasksTotal       prometheus.Counter
	dispatchTotal    *prometheus.CounterVec
	signalsTotal     *prometheus.CounterVec
	escalationsTotal prometheus.Counter
	recordsTotal     *prometheus.CounterVec
	staleWrites      prometheus.Counter
	openContexts     prometheus.Gauge
	timeToFirst      prometheus.Histogram
	timeToSettle     prometheus.Histogram
}

// New creates and registers the collectors on reg. Pass
// prometheus.NewRegistry() in tests to avoid clashing with the default
// registry.
func New(reg *prometheus.Registry, version string) *Collector {
	c := &Collector{gatherer: reg}

	c.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	c.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	c.serviceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_info",
		Help:      "Service information",
	}, []string{"version"})

	c.tasksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Aggregation tasks started",
	})

	c.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Page context dispatches by result",
	}, []string{"result"})

	c.signalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_total",
		Help:      "Outcome signals received, by type",
	}, []string{"type"})

	c.escalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Pages retried without the loading policy",
	})

	c.recordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Records received from the transport, by merge outcome",
	}, []string{"outcome"})

	c.staleWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_writes_total",
		Help:      "Transport writes ignored because they belong to a previous task",
	})

	c.openContexts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_contexts",
		Help:      "Browser contexts currently tracked",
	})

	c.timeToFirst = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_first_record_seconds",
		Help:      "Time from task start to the first merged record",
		Buckets:   []float64{0.25, 0.5, 1, 1.5, 2, 3, 5, 8},
	})

	c.timeToSettle = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_settle_seconds",
		Help:      "Time from task start until every dispatched context settled",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21},
	})

	reg.MustRegister(
		c.httpRequestsTotal, c.httpRequestDuration, c.serviceInfo,
		c.tasksTotal, c.dispatchTotal, c.signalsTotal, c.escalationsTotal,
		c.recordsTotal, c.staleWrites, c.openContexts, c.timeToFirst, c.timeToSettle,
	)
	c.serviceInfo.WithLabelValues(version).Set(1)
	return c
}

func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksTotal.Inc()
}

// Dispatched records one dispatch; ok=false means the source was dropped.
func (c *Collector) Dispatched(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	c.dispatchTotal.WithLabelValues(result).Inc()
}

func (c *Collector) Signal(signalType string) {
	if c == nil {
		return
	}
	c.signalsTotal.WithLabelValues(signalType).Inc()
}

func (c *Collector) Escalated() {
	if c == nil {
		return
	}
	c.escalationsTotal.Inc()
}

// Records counts merged and duplicate records from one transport batch.
func (c *Collector) Records(merged, duplicate int) {
	if c == nil {
		return
	}
	c.recordsTotal.WithLabelValues("merged").Add(float64(merged))
	c.recordsTotal.WithLabelValues("duplicate").Add(float64(duplicate))
}

func (c *Collector) StaleWrite() {
	if c == nil {
		return
	}
	c.staleWrites.Inc()
}

func (c *Collector) SetOpenContexts(n int) {
	if c == nil {
		return
	}
	c.openContexts.Set(float64(n))
}

func (c *Collector) FirstRecord(d time.Duration) {
	if c == nil {
		return
	}
	c.timeToFirst.Observe(d.Seconds())
}

func (c *Collector) Settled(d time.Duration) {
	if c == nil {
		return
	}
	c.timeToSettle.Observe(d.Seconds())
}

// Middleware returns gin middleware that records HTTP metrics.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}
		start := time.Now()
		ctx.Next()

		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := ctx.Request.Method
		c.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() gin.HandlerFunc {
	var h = promhttp.Handler()
	if c != nil {
		h = promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
	}
	return func(ctx *gin.Context) {
		h.ServeHTTP(ctx.Writer, ctx.Request)
	}
}
