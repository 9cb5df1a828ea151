package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaven_http_requests_total",
		Help: "HTTP requests handled by the gateway.",
	}, []string{"route", "method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eaven_http_request_duration_seconds",
		Help:    "Latency of gateway HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaven_events_published_total",
		Help: "Change events fanned out to local subscribers.",
	}, []string{"table"})

	SubscriptionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eaven_subscriptions_dropped_total",
		Help: "Subscriptions closed because the consumer fell behind.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eaven_active_subscriptions",
		Help: "Open feed subscriptions on this instance.",
	})

	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eaven_websocket_connections",
		Help: "Open realtime websocket connections.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eaven_messages_sent_total",
		Help: "Messages persisted through the gateway.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaven_rate_limited_total",
		Help: "Requests rejected by the per-user limiter.",
	}, []string{"route"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records count and latency per mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
