package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	mem "badgekit/adapters/memory"
	"badgekit/core"
	"badgekit/engine"
	"badgekit/telemetry"
)

type testEnv struct {
	svc    *engine.Service
	source *mem.Source
	store  *mem.Store
}

func newTestService() *testEnv {
	target := int64(5)
	catalog := mem.NewCatalog(core.Badge{
		ID:             "streak-5",
		Title:          "Five days",
		IsActive:       true,
		RewardDiamonds: 10,
		RewardXP:       100,
		Rules: []core.BadgeRule{
			{ID: "streak", Metric: core.MetricLoginStreak, Target: &target, Weight: 1, IsActive: true},
		},
	})
	src := mem.NewSource()
	store := mem.New()
	svc := engine.NewService(catalog, src, store, store,
		engine.WithEventBus(engine.NewEventBus(engine.DispatchSync)),
		engine.WithPersistRetry(0, time.Millisecond, time.Millisecond))
	return &testEnv{svc: svc, source: src, store: store}
}

func do(t *testing.T, h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRecomputeOneSuccess(t *testing.T) {
	env := newTestService()
	env.source.SetLoginStreak("alice", 6)
	handler := NewMux(env.svc, Options{PathPrefix: "/api", AwardOnComplete: true})

	rec := do(t, handler, http.MethodPost, "/api/users/Alice/badges/streak-5/recompute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res engine.BadgeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.UserID != "alice" || !res.JustCompleted || !res.Persisted || res.Transaction == nil {
		t.Fatalf("unexpected result %+v", res)
	}

	acct, _ := env.store.Account(context.Background(), "alice")
	if acct.Diamonds != 10 {
		t.Fatalf("expected 10 diamonds, got %d", acct.Diamonds)
	}
}

func TestRecomputeOneQueryOptions(t *testing.T) {
	env := newTestService()
	env.source.SetLoginStreak("alice", 6)
	handler := NewMux(env.svc, Options{PathPrefix: "/api", AwardOnComplete: true})

	rec := do(t, handler, http.MethodPost, "/api/users/alice/badges/streak-5/recompute?persist=false", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if recs, _ := env.store.ListByUser(context.Background(), "alice"); len(recs) != 0 {
		t.Fatalf("preview must not persist, got %d records", len(recs))
	}

	rec = do(t, handler, http.MethodPost, "/api/users/alice/badges/streak-5/recompute?award=no-thanks", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad award flag, got %d", rec.Code)
	}

	rec = do(t, handler, http.MethodPost, "/api/users/alice/badges/streak-5/recompute?award=false", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if txs, _ := env.store.Transactions(context.Background(), "alice"); len(txs) != 0 {
		t.Fatalf("award=false must not grant, got %d", len(txs))
	}
}

func TestRecomputeOneErrors(t *testing.T) {
	env := newTestService()
	env.source.Fail(core.MetricLoginStreak, errors.New("db down"))
	handler := NewMux(env.svc, Options{PathPrefix: "/api"})

	cases := []struct {
		path string
		code int
		err  string
	}{
		{"/api/users/alice/badges/nope/recompute", http.StatusNotFound, "badge_not_found"},
		{"/api/users/alice/badges/bad%21id/recompute", http.StatusBadRequest, "invalid_badge"},
		{"/api/users/%20/badges/streak-5/recompute", http.StatusBadRequest, "invalid_user"},
		{"/api/users/alice/badges/streak-5/recompute", http.StatusServiceUnavailable, "partial_measurement"},
	}
	for _, tc := range cases {
		rec := do(t, handler, http.MethodPost, tc.path, nil)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.code, rec.Code)
		}
		var body apiError
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Code != tc.err {
			t.Fatalf("%s: expected code %q, got %q", tc.path, tc.err, body.Code)
		}
		if tc.err == "partial_measurement" {
			if body.Details == nil {
				t.Fatalf("partial result should be attached")
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Fatalf("partial measurement should be retryable")
			}
		} else if rec.Header().Get("Retry-After") != "" {
			t.Fatalf("%s: unexpected Retry-After", tc.path)
		}
	}
}

func TestRecomputeAllAndSummary(t *testing.T) {
	env := newTestService()
	env.source.SetLoginStreak("bob", 5)
	handler := NewMux(env.svc, Options{AwardOnComplete: true})

	rec := do(t, handler, http.MethodPost, "/users/bob/recompute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sum engine.RecomputeSummary
	_ = json.Unmarshal(rec.Body.Bytes(), &sum)
	if len(sum.NewlyCompleted) != 1 || sum.NewlyCompleted[0] != "streak-5" {
		t.Fatalf("unexpected summary %+v", sum)
	}

	rec = do(t, handler, http.MethodGet, "/users/bob/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ach core.AchievementsSummary
	_ = json.Unmarshal(rec.Body.Bytes(), &ach)
	if ach.Total != 1 || ach.Completed != 1 || ach.XP != 100 || ach.Level != 2 {
		t.Fatalf("unexpected achievements %+v", ach)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestService()
	handler := NewMux(env.svc, Options{PathPrefix: "/api"})

	rec := do(t, handler, http.MethodGet, "/api/users/alice/recompute", nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 404 or 405, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestService()
	handler := NewMux(env.svc, Options{PathPrefix: "/api", APIKeys: []string{"secret"}})

	rec := do(t, handler, http.MethodGet, "/api/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health must not require a key, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestService()
	handler := NewMux(env.svc, Options{
		PathPrefix:      "/api",
		APIKeys:         []string{"secret"},
		AllowCORSOrigin: "*",
	})

	rec := do(t, handler, http.MethodGet, "/api/users/alice/summary", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = do(t, handler, http.MethodGet, "/api/users/alice/summary", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}

	rec = do(t, handler, http.MethodGet, "/api/users/alice/summary", map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header")
	}

	rec = do(t, handler, http.MethodOptions, "/api/users/alice/summary", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestService()
	handler := NewMux(env.svc, Options{
		PathPrefix:       "/api",
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	headers := map[string]string{"X-API-Key": "k"}
	if rec := do(t, handler, http.MethodGet, "/api/users/alice/summary", headers); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 first request, got %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodGet, "/api/users/alice/summary", headers); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(60, 1, time.Minute)
	l.now = func() time.Time { return now }

	l.allow("a")
	now = now.Add(30 * time.Second)
	l.allow("b")
	now = now.Add(40 * time.Second)
	l.allow("b")

	if _, ok := l.b["a"]; ok {
		t.Fatalf("idle bucket should have been swept")
	}
	if _, ok := l.b["b"]; !ok {
		t.Fatalf("active bucket should survive")
	}
}

func TestMetricsMiddleware(t *testing.T) {
	env := newTestService()
	m := telemetry.New(false)
	handler := NewMux(env.svc, Options{Metrics: m})

	do(t, handler, http.MethodGet, "/users/a/summary", nil)
	do(t, handler, http.MethodGet, "/users/b/summary", nil)

	n, err := testutil.GatherAndCount(m.Registry(), "badgekit_http_requests_total")
	if err != nil || n != 1 {
		t.Fatalf("expected one route series, got %d err=%v", n, err)
	}
}
