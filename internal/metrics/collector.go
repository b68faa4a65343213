// Package metrics exposes Prometheus metrics for the task engine and the
// HTTP surface. All Collector methods are safe on a nil receiver so callers
// that do not care about metrics can pass nil.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the service exports.
type Collector struct {
	sessionsActive   prometheus.Gauge
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	iterations       prometheus.Counter
	stalls           prometheus.Counter
	contextResets    prometheus.Counter
	staleTimeouts    prometheus.Counter

	capabilityCalls *prometheus.CounterVec

	gatewayRequests *prometheus.CounterVec
	gatewayDuration prometheus.Histogram
	gatewayTokens   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics under namespace on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of task sessions currently running in this process",
		}),
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Task sessions started, by mode and whether resumed from a checkpoint",
		}, []string{"mode", "resumed"}),
		sessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Task sessions that reached a terminal status",
		}, []string{"status"}),
		iterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_iterations_total",
			Help:      "Runner loop iterations across all sessions",
		}),
		stalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_stalls_total",
			Help:      "Model turns that proposed no capability call",
		}),
		contextResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_context_resets_total",
			Help:      "Conversation resets after repeated gateway failures",
		}),
		staleTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_tasks_timed_out_total",
			Help:      "Orphaned running tasks forced to timedOut",
		}),
		capabilityCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_calls_total",
			Help:      "Capability invocations by outcome",
		}, []string{"outcome"}),
		gatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Language model requests by outcome",
		}, []string{"outcome"}),
		gatewayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Language model request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		gatewayTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_tokens_total",
			Help:      "Tokens consumed by the language model",
		}, []string{"kind"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// SessionStarted records a session start.
func (c *Collector) SessionStarted(mode string, resumed bool) {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
	c.sessionsStarted.WithLabelValues(mode, strconv.FormatBool(resumed)).Inc()
}

// SessionFinished records a session leaving this process. status is empty
// when the session stopped without a terminal status (shutdown).
func (c *Collector) SessionFinished(status string) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	if status != "" {
		c.sessionsFinished.WithLabelValues(status).Inc()
	}
}

// Iteration counts one runner loop pass.
func (c *Collector) Iteration() {
	if c == nil {
		return
	}
	c.iterations.Inc()
}

// Stall counts a model turn without a proposed call.
func (c *Collector) Stall() {
	if c == nil {
		return
	}
	c.stalls.Inc()
}

// ContextReset counts a conversation reset.
func (c *Collector) ContextReset() {
	if c == nil {
		return
	}
	c.contextResets.Inc()
}

// StaleTimedOut counts tasks forced to timedOut by the staleness guard.
func (c *Collector) StaleTimedOut(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.staleTimeouts.Add(float64(n))
}

// CapabilityCall records an invocation outcome: ok, error, unreachable or panic.
func (c *Collector) CapabilityCall(outcome string) {
	if c == nil {
		return
	}
	c.capabilityCalls.WithLabelValues(outcome).Inc()
}

// GatewayRequest records a model call: ok, transient or permanent.
func (c *Collector) GatewayRequest(outcome string, d time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.gatewayRequests.WithLabelValues(outcome).Inc()
	c.gatewayDuration.Observe(d.Seconds())
	if promptTokens > 0 {
		c.gatewayTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.gatewayTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// Middleware records request count and latency labelled by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
