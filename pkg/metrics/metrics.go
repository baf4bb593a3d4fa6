package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amoylab/wshub/internal/common/config"
)

// Metrics holds the prometheus collectors of the server. All recording
// methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	connections prometheus.Gauge
	admissions  *prometheus.CounterVec
	closed      *prometheus.CounterVec
	published   *prometheus.CounterVec
	delivered   prometheus.Counter
	lagged      prometheus.Counter
	inbound     *prometheus.CounterVec
	malformed   prometheus.Counter
	relayed     *prometheus.CounterVec
	sessionDur  prometheus.Histogram
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	connections := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active"})
	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connection_admissions_total"}, []string{"result"})
	closed := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connections_closed_total"}, []string{"reason"})
	sessionDur := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "session_duration_seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600}})
	r.MustRegister(connections, admissions, closed, sessionDur)

	published := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_published_total"}, []string{"topic_kind"})
	delivered := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "messages_delivered_total"})
	lagged := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "messages_lagged_total", Help: "Messages dropped for slow subscribers."})
	inbound := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "inbound_frames_total"}, []string{"kind"})
	malformed := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "inbound_malformed_total"})
	relayed := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "relay_messages_total"}, []string{"direction"})
	r.MustRegister(published, delivered, lagged, inbound, malformed, relayed)

	return &Metrics{
		registry:    r,
		namespace:   ns,
		httpReqCnt:  httpReqCnt,
		httpDur:     httpDur,
		httpInfl:    httpInfl,
		connections: connections,
		admissions:  admissions,
		closed:      closed,
		published:   published,
		delivered:   delivered,
		lagged:      lagged,
		inbound:     inbound,
		malformed:   malformed,
		relayed:     relayed,
		sessionDur:  sessionDur,
	}
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// Admission records the outcome of an admission check: "accepted" or a rejection reason
func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionClosed(reason string, since time.Time) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
	m.sessionDur.Observe(time.Since(since).Seconds())
}

func (m *Metrics) Published(topicKind string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topicKind).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) Lagged(skipped uint64) {
	if m == nil {
		return
	}
	m.lagged.Add(float64(skipped))
}

func (m *Metrics) InboundFrame(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Relayed counts relay traffic; direction is "out", "in" or "dropped"
func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = routeFromURL(c.Request.URL.Path)
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := httpStatus(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// routeFromURL collapses unmatched paths so they do not explode label cardinality
func routeFromURL(path string) string {
	if strings.HasPrefix(path, "/ws/connections/") {
		return "/ws/connections/:id"
	}
	return "unmatched"
}

func httpStatus(code int) string { return strconv.Itoa(code) }
