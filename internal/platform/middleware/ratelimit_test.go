package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func doRequest(e *echo.Echo, ip, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", ip)
	if tenant != "" {
		req.Header.Set("X-Test-Tenant", tenant)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newLimitedEcho(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if t := c.Request().Header.Get("X-Test-Tenant"); t != "" {
				c.Set("jwt_tenant_id", t)
			}
			return next(c)
		}
	})
	e.Use(RateLimit(cfg))
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

func TestRateLimit_WithinBurst(t *testing.T) {
	e := newLimitedEcho(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 5})
	for i := 0; i < 5; i++ {
		rec := doRequest(e, "10.0.0.1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("unexpected limit header %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	e := newLimitedEcho(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})
	doRequest(e, "10.0.0.2", "")
	doRequest(e, "10.0.0.2", "")
	rec := doRequest(e, "10.0.0.2", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining: 0")
	}
}

func TestRateLimit_KeysAreIsolated(t *testing.T) {
	e := newLimitedEcho(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})
	if rec := doRequest(e, "10.0.0.3", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(e, "10.0.0.3", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := doRequest(e, "10.0.0.4", ""); rec.Code != http.StatusOK {
		t.Errorf("other IP should have its own bucket, got %d", rec.Code)
	}
	if rec := doRequest(e, "10.0.0.3", "south"); rec.Code != http.StatusOK {
		t.Errorf("tenant-scoped key should have its own bucket, got %d", rec.Code)
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	s.now = func() time.Time { return now }

	s.get("a")
	s.get("b")
	if s.size() != 2 {
		t.Fatalf("expected 2 clients, got %d", s.size())
	}

	now = now.Add(2 * time.Minute)
	s.get("c")
	if s.size() != 1 {
		t.Errorf("expected idle clients evicted, have %d", s.size())
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
