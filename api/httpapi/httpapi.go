package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"badgekit/core"
	"badgekit/engine"
	"badgekit/telemetry"
)

// Service is the engine surface the API exposes.
type Service interface {
	RecomputeOne(ctx context.Context, user core.UserID, badge core.BadgeID, opts engine.RecomputeOptions) (engine.BadgeResult, error)
	RecomputeAll(ctx context.Context, user core.UserID, opts engine.RecomputeOptions) (engine.RecomputeSummary, error)
	Summary(ctx context.Context, user core.UserID) (core.AchievementsSummary, error)
}

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	// The health route stays open.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup evicts idle client buckets; zero keeps them forever.
	RateLimitCleanup time.Duration
	// AwardOnComplete is the default for the award query parameter.
	AwardOnComplete bool
	// Metrics, if set, records per-route request counts and latency.
	Metrics *telemetry.Metrics
}

// NewMux builds an http.Handler exposing the badge REST API.
// Routes:
//   - POST {prefix}/users/{id}/badges/{badge}/recompute?persist=true&award=true
//   - POST {prefix}/users/{id}/recompute?persist=true&award=true
//   - GET  {prefix}/users/{id}/summary
//   - GET  {prefix}/healthz
func NewMux(svc Service, opts Options) http.Handler {
	mux := http.NewServeMux()
	h := &handlers{svc: svc, award: opts.AwardOnComplete}

	users := http.NewServeMux()
	users.HandleFunc("POST "+withPrefix(opts.PathPrefix, "/users/{id}/badges/{badge}/recompute"), h.recomputeOne)
	users.HandleFunc("POST "+withPrefix(opts.PathPrefix, "/users/{id}/recompute"), h.recomputeAll)
	users.HandleFunc("GET "+withPrefix(opts.PathPrefix, "/users/{id}/summary"), h.summary)
	users.HandleFunc(withPrefix(opts.PathPrefix, "/"), func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	var api http.Handler = users
	if opts.Metrics != nil {
		api = opts.Metrics.Middleware(users)
	}
	if len(opts.APIKeys) > 0 {
		api = withAPIKeyAuth(api, opts.APIKeys)
	}

	mux.HandleFunc("GET "+withPrefix(opts.PathPrefix, "/healthz"), h.health)
	mux.Handle("/", api)

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup))
	}
	return handler
}

type handlers struct {
	svc   Service
	award bool
}

func (h *handlers) recomputeOne(w http.ResponseWriter, r *http.Request) {
	ro, ok := h.recomputeOptions(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RecomputeOne(r.Context(), core.UserID(r.PathValue("id")), core.BadgeID(r.PathValue("badge")), ro)
	if err != nil {
		writeServiceError(w, err, res)
		return
	}
	writeJSON(w, res)
}

func (h *handlers) recomputeAll(w http.ResponseWriter, r *http.Request) {
	ro, ok := h.recomputeOptions(w, r)
	if !ok {
		return
	}
	sum, err := h.svc.RecomputeAll(r.Context(), core.UserID(r.PathValue("id")), ro)
	if err != nil {
		writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, sum)
}

func (h *handlers) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summary(r.Context(), core.UserID(r.PathValue("id")))
	if err != nil {
		writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, sum)
}

// recomputeOptions reads persist (default true) and award (default from Options).
func (h *handlers) recomputeOptions(w http.ResponseWriter, r *http.Request) (engine.RecomputeOptions, bool) {
	ro := engine.RecomputeOptions{Persist: true, AwardOnComplete: h.award}
	q := r.URL.Query()
	for name, dst := range map[string]*bool{"persist": &ro.Persist, "award": &ro.AwardOnComplete} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a boolean", nil)
			return ro, false
		}
		*dst = v
	}
	return ro, true
}

// health verifies the catalog, store and ledger answer by summarising a probe user.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	_, err := h.svc.Summary(r.Context(), core.UserID("healthcheck_probe"))

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}

	if err != nil {
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(status)
		return
	}

	writeJSON(w, status)
}

// writeServiceError maps engine errors onto HTTP statuses. A partial
// measurement is a transient read failure: it answers 503 with Retry-After and
// carries the partial result as details.
func writeServiceError(w http.ResponseWriter, err error, partial any) {
	switch {
	case errors.Is(err, core.ErrEmptyUserID):
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidBadgeID):
		writeError(w, http.StatusBadRequest, "invalid_badge", err.Error(), nil)
	case errors.Is(err, engine.ErrBadgeNotFound):
		writeError(w, http.StatusNotFound, "badge_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrPartialMeasurement):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "partial_measurement", err.Error(), partial)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg, Details: details})
}

// withCORS wraps a handler with a minimal CORS policy.
func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKeyAuth enforces a shared API key list.
func withAPIKeyAuth(next http.Handler, apiKeys []string) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			return
		}
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies a token-bucket limiter per client key.
func withRateLimit(next http.Handler, limiter *rateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm       float64
	burst     float64
	cleanup   time.Duration
	mu        sync.Mutex
	b         map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int, cleanup time.Duration) *rateLimiter {
	return &rateLimiter{
		rpm:     float64(rpm),
		burst:   float64(burst),
		cleanup: cleanup,
		b:       make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cleanup > 0 && now.Sub(l.lastSweep) >= l.cleanup {
		l.sweep(now)
	}

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Minutes()
	b.tokens += elapsed * l.rpm
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	if b.tokens < 1 {
		b.last = now
		return false
	}
	b.tokens--
	b.last = now
	return true
}

// sweep drops buckets idle for a full cleanup interval.
func (l *rateLimiter) sweep(now time.Time) {
	for k, b := range l.b {
		if now.Sub(b.last) >= l.cleanup {
			delete(l.b, k)
		}
	}
	l.lastSweep = now
}
