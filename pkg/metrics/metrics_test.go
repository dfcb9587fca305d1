package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/cfgstream/internal/common/config"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed("client")
		m.MessageReceived("pong")
		m.MessageSent("ping")
		m.MessageDropped("config_change")
		m.EventDistributed(3)
		m.BroadcastLagged(2)
		m.PongReceived(time.Millisecond)
		m.HeartbeatTimedOut()
	})
}

func TestDomainCounters(t *testing.T) {
	m := New(config.MetricsConfig{Namespace: "test"})

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed("heartbeat_timeout")
	m.MessageSent("config_snapshot")
	m.MessageDropped("config_change")
	m.MessageDropped("config_change")
	m.BroadcastLagged(3)
	m.HeartbeatTimedOut()

	body := scrape(t, m)
	assert.Contains(t, body, "test_connections_active 1\n")
	assert.Contains(t, body, `test_connections_closed_total{reason="heartbeat_timeout"} 1`)
	assert.Contains(t, body, `test_messages_sent_total{type="config_snapshot"} 1`)
	assert.Contains(t, body, `test_messages_dropped_total{type="config_change"} 2`)
	assert.Contains(t, body, "test_broadcast_lagged_events_total 3\n")
	assert.Contains(t, body, "test_heartbeat_timeouts_total 1\n")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(config.MetricsConfig{Namespace: "test"})

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/health_check", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health_check", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_http_requests_total{method="GET",route="/health_check",status="200"} 1`)
}

func TestRouteFromURL(t *testing.T) {
	assert.Equal(t, "/ws/:app/:profile", routeFromURL("/ws/payment/prod"))
	assert.Equal(t, "/api/history/:app/:profile", routeFromURL("/api/history/payment/prod"))
	assert.Equal(t, "unmatched", routeFromURL("/favicon.ico"))
}
