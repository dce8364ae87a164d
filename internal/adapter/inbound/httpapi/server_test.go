package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fangate/fangate/internal/adapter/outbound/memory"
	"github.com/fangate/fangate/internal/adapter/outbound/prom"
	"github.com/fangate/fangate/internal/domain/throttle"
	"github.com/fangate/fangate/internal/domain/violation"
	"github.com/fangate/fangate/internal/service"
)

type fixture struct {
	handler    http.Handler
	limiter    *service.LimiterService
	violations *memory.ViolationStore
}

// okPinger and failPinger drive the health endpoint.
type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type failPinger struct{}

func (failPinger) Ping(context.Context) error { return errors.New("connection refused") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := memory.NewCounterStore()
	limits := throttle.Limits{
		Tiers: throttle.StaticTiers{
			ByName:      map[string]throttle.TierLimits{"starter": {Minute: 3, Hour: 100, Day: 500}},
			DefaultTier: "starter",
		},
		MaxRetryDelay: 900 * time.Second,
	}
	tiers := throttle.StaticTierSource{Tier: "starter"}

	limiter := service.NewLimiterService(store, nil, nil, nil, tiers, limits,
		service.WithLimiterLogger(quietLogger()))
	t.Cleanup(limiter.Flush)
	stats := service.NewStatsService(store, tiers, limits,
		service.WithStatsLogger(quietLogger()))
	violations := memory.NewViolationStore()

	opts = append([]Option{
		WithLogger(quietLogger()),
		WithViolationStore(violations),
	}, opts...)
	srv := NewServer(limiter, stats, opts...)

	return &fixture{handler: srv.Handler(), limiter: limiter, violations: violations}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleCheck_Allowed(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/v1/messages/check",
		`{"user_id":"u1","recipient_id":"r1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var dec throttle.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if !dec.Allowed || dec.Reason != throttle.ReasonOK {
		t.Errorf("decision = %+v, want allowed/ok", dec)
	}
	if dec.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", dec.Remaining)
	}
}

func TestHandleCheck_DenialIsStill200(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	body := `{"user_id":"u1","recipient_id":"r1"}`
	for i := 0; i < 3; i++ {
		if rec := fx.do(t, http.MethodPost, "/v1/messages/check", body); rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i, rec.Code)
		}
	}

	rec := fx.do(t, http.MethodPost, "/v1/messages/check", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("denial status = %d, want 200", rec.Code)
	}
	var dec throttle.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if dec.Allowed {
		t.Error("over-ceiling decision allowed")
	}
	if dec.Reason != throttle.ReasonUserLimit || !dec.Throttled {
		t.Errorf("decision = %+v, want user_limit/throttled", dec)
	}
	// The exhausted budget must be an explicit 0 on the wire so clients can
	// tell it apart from a denial that never touched the minute counter.
	if !strings.Contains(rec.Body.String(), `"remaining":0`) {
		t.Errorf("body = %s, want explicit remaining 0", rec.Body.String())
	}
}

func TestHandleCheck_BadRequests(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing user", `{"recipient_id":"r1"}`},
		{"missing recipient", `{"user_id":"u1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fx.do(t, http.MethodPost, "/v1/messages/check", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if resp.Error == "" {
				t.Error("error message empty")
			}
		})
	}
}

func TestHandleGlobalStats(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.do(t, http.MethodPost, "/v1/messages/check", `{"user_id":"u1","recipient_id":"r1"}`)
	fx.do(t, http.MethodPost, "/v1/messages/check", `{"user_id":"u2","recipient_id":"r1"}`)
	fx.limiter.Flush()

	rec := fx.do(t, http.MethodGet, "/v1/stats/global", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats service.GlobalStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if stats.ActiveUsers != 2 {
		t.Errorf("active users = %d, want 2", stats.ActiveUsers)
	}
	if stats.TopViolators == nil {
		t.Error("top_violators is null, want empty array")
	}
}

func TestHandleUserStats(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.do(t, http.MethodPost, "/v1/messages/check", `{"user_id":"u1","recipient_id":"r1"}`)
	fx.limiter.Flush()

	rec := fx.do(t, http.MethodGet, "/v1/stats/users/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats service.UserStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if stats.CurrentPeriod.Messages != 1 {
		t.Errorf("messages = %d, want 1", stats.CurrentPeriod.Messages)
	}
	if stats.CurrentPeriod.Limit != 3 {
		t.Errorf("limit = %d, want 3", stats.CurrentPeriod.Limit)
	}
}

func TestHandleRecentViolations(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	if err := fx.violations.Append(context.Background(), violation.Record{
		ID: "rec-1", UserID: "u1", RecipientID: "r1",
		Layer: throttle.LayerUser, Reason: throttle.ReasonUserLimit,
		OccurredAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	rec := fx.do(t, http.MethodGet, "/v1/violations/recent?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var records []violation.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec-1" {
		t.Errorf("records = %+v", records)
	}
}

func TestHandleRecentViolations_EmptyIsArray(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/v1/violations/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestHandleRecentViolations_LimitValidation(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	for _, target := range []string{
		"/v1/violations/recent?limit=0",
		"/v1/violations/recent?limit=1001",
		"/v1/violations/recent?limit=abc",
	} {
		if rec := fx.do(t, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, WithPinger(okPinger{}))
	rec := fx.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if status["status"] != "ok" {
		t.Errorf("status = %q, want ok", status["status"])
	}
}

func TestHandleHealth_DegradedBackend(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, WithPinger(failPinger{}))
	rec := fx.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var status map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if status["status"] != "degraded" {
		t.Errorf("status = %q, want degraded", status["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	prom.NewMetrics(registry)
	fx := newFixture(t, WithRegistry(registry))

	rec := fx.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fangate_decision_duration_seconds") {
		t.Error("metrics output missing fangate_decision_duration_seconds")
	}
}

func TestMetricsEndpoint_AbsentWithoutRegistry(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	if rec := fx.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
