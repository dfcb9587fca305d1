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

	"github.com/amoylab/cfgstream/internal/common/config"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	namespace  string
	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	connActive   prometheus.Gauge
	connTotal    *prometheus.CounterVec
	inboundCnt   *prometheus.CounterVec
	outboundCnt  *prometheus.CounterVec
	droppedCnt   *prometheus.CounterVec
	eventsCnt    prometheus.Counter
	fanout       prometheus.Histogram
	lagCnt       prometheus.Counter
	pongLatency  prometheus.Histogram
	hbTimeoutCnt prometheus.Counter
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

	connActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active"})
	connTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connections_closed_total"}, []string{"reason"})
	inboundCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_received_total"}, []string{"type"})
	outboundCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_sent_total"}, []string{"type"})
	droppedCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_dropped_total"}, []string{"type"})
	r.MustRegister(connActive, connTotal, inboundCnt, outboundCnt, droppedCnt)

	eventsCnt := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "events_published_total"})
	fanout := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "event_fanout_subscribers", Buckets: prometheus.ExponentialBuckets(1, 4, 8)})
	lagCnt := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "broadcast_lagged_events_total"})
	r.MustRegister(eventsCnt, fanout, lagCnt)

	pongLatency := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "heartbeat_pong_latency_seconds", Buckets: buckets})
	hbTimeoutCnt := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "heartbeat_timeouts_total"})
	r.MustRegister(pongLatency, hbTimeoutCnt)

	return &Metrics{
		registry:     r,
		namespace:    ns,
		httpReqCnt:   httpReqCnt,
		httpDur:      httpDur,
		httpInfl:     httpInfl,
		connActive:   connActive,
		connTotal:    connTotal,
		inboundCnt:   inboundCnt,
		outboundCnt:  outboundCnt,
		droppedCnt:   droppedCnt,
		eventsCnt:    eventsCnt,
		fanout:       fanout,
		lagCnt:       lagCnt,
		pongLatency:  pongLatency,
		hbTimeoutCnt: hbTimeoutCnt,
	}
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connActive.Inc()
}

func (m *Metrics) ConnClosed(reason string) {
	if m == nil {
		return
	}
	m.connActive.Dec()
	m.connTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.inboundCnt.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.outboundCnt.WithLabelValues(msgType).Inc()
}

// MessageDropped counts a frame discarded because a connection queue was full
func (m *Metrics) MessageDropped(msgType string) {
	if m == nil {
		return
	}
	m.droppedCnt.WithLabelValues(msgType).Inc()
}

// EventDistributed records one event and how many subscribers matched it
func (m *Metrics) EventDistributed(subscribers int) {
	if m == nil {
		return
	}
	m.eventsCnt.Inc()
	m.fanout.Observe(float64(subscribers))
}

func (m *Metrics) BroadcastLagged(n uint64) {
	if m == nil {
		return
	}
	m.lagCnt.Add(float64(n))
}

func (m *Metrics) PongReceived(latency time.Duration) {
	if m == nil {
		return
	}
	m.pongLatency.Observe(latency.Seconds())
}

func (m *Metrics) HeartbeatTimedOut() {
	if m == nil {
		return
	}
	m.hbTimeoutCnt.Inc()
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

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// routeFromURL collapses unmatched paths so label cardinality stays bounded
func routeFromURL(path string) string {
	switch {
	case strings.HasPrefix(path, "/ws/"):
		return "/ws/:app/:profile"
	case strings.HasPrefix(path, "/api/history/"):
		return "/api/history/:app/:profile"
	case strings.HasPrefix(path, "/api/configs/"):
		return "/api/configs/:app/:profile"
	default:
		return "unmatched"
	}
}

func httpStatus(code int) string { return strconv.Itoa(code) }
