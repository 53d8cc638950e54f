package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_client_connected",
		Help: "Whether the realtime connection for a room is open (1) or not (0)",
	}, []string{"room"})
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_reconnect_attempts_total",
		Help: "Total number of scheduled realtime reconnection attempts",
	}, []string{"room"})
	RealtimeFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_realtime_frames_total",
		Help: "Inbound realtime frames by declared type",
	}, []string{"type"})
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_token_refreshes_total",
		Help: "Access token refresh exchanges by result",
	}, []string{"result"})
	RequestReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_request_replays_total",
		Help: "Requests that hit 401 and were replayed or rejected after a refresh",
	}, []string{"outcome"})
	OutboundRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_http_requests_total",
		Help: "Outbound HTTP requests to the chat backend",
	}, []string{"code", "method"})
	OutboundDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_client_http_request_duration_seconds",
		Help:    "Outbound HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"code", "method"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests served by the status server",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Status server request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(Connected, ReconnectAttempts, RealtimeFrames, TokenRefreshes,
		RequestReplays, OutboundRequests, OutboundDuration, HttpRequestsTotal, HttpRequestDuration)
}

// InstrumentRoundTripper 为出站请求统计次数与耗时。
func InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(OutboundRequests,
		promhttp.InstrumentRoundTripperDuration(OutboundDuration, next))
}

// GinMiddleware 统计状态服务的基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
