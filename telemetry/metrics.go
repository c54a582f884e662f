// Package telemetry exposes engine activity as Prometheus metrics.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"badgekit/core"
	"badgekit/engine"
)

// Subscriber is the part of the event bus telemetry needs.
type Subscriber interface {
	SubscribeAll(handler engine.Handler) func()
}

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	ruleFailures  *prometheus.CounterVec
	diamonds      prometheus.Counter
	xp            prometheus.Counter
	activeUsers   prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec

	mu   sync.Mutex
	day  string
	seen map[core.UserID]struct{}
}

// New registers the badgekit collectors. withRuntime adds the go and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badgekit_events_total",
			Help: "Badge lifecycle events by type",
		}, []string{"type"}),
		ruleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badgekit_rule_failures_total",
			Help: "Rule measurements that failed, by metric",
		}, []string{"metric"}),
		diamonds: f.NewCounter(prometheus.CounterOpts{
			Name: "badgekit_reward_diamonds_total",
			Help: "Diamonds granted for completed badges",
		}),
		xp: f.NewCounter(prometheus.CounterOpts{
			Name: "badgekit_reward_xp_total",
			Help: "Experience granted for completed badges",
		}),
		activeUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "badgekit_active_users_today",
			Help: "Distinct users with badge events in the current UTC day",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badgekit_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "badgekit_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		seen: map[core.UserID]struct{}{},
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Attach subscribes to every event on the bus and returns the unsubscribe func.
func (m *Metrics) Attach(bus Subscriber) func() {
	return bus.SubscribeAll(func(_ context.Context, e core.Event) { m.OnEvent(e) })
}

// OnEvent records one domain event.
func (m *Metrics) OnEvent(e core.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case core.EventRuleFailed:
		m.ruleFailures.WithLabelValues(string(e.Metric)).Inc()
	case core.EventRewardGranted:
		if e.Diamonds > 0 {
			m.diamonds.Add(float64(e.Diamonds))
		}
		if e.XP > 0 {
			m.xp.Add(float64(e.XP))
		}
	}
	m.markActive(e.UserID, e.Time)
}

func (m *Metrics) markActive(user core.UserID, at time.Time) {
	if user == "" {
		return
	}
	day := at.UTC().Format(time.DateOnly)
	m.mu.Lock()
	defer m.mu.Unlock()
	if day < m.day {
		return
	}
	if day != m.day {
		m.day = day
		m.seen = map[core.UserID]struct{}{}
	}
	m.seen[user] = struct{}{}
	m.activeUsers.Set(float64(len(m.seen)))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and observes latency, labelled by the ServeMux
// pattern. It must wrap the mux directly to see the matched pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
