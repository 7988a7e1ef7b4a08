package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/paoluz/authgate/internal/config"
	"github.com/paoluz/authgate/internal/domain"
)

type okBinder struct{}

func (okBinder) Bind(context.Context, string, string) (*domain.Member, error) {
	return &domain.Member{ChatID: 1, Verified: true}, nil
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		AdminKey:  "router-key",
		RateRPS:   1000,
		RateBurst: 1000,
	}
	r := gin.New()
	RegisterRoutes(r, okBinder{}, cfg)
	return r
}

func TestRouter_Health(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", w.Code)
	}
}

func TestRouter_MetricsExposed(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_") {
		t.Fatalf("metrics body does not look like a Prometheus exposition")
	}
}

func TestRouter_ValidateWired(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/validate",
		strings.NewReader(`{"admin_key":"router-key","code":"ABC123","uid":"u-1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/validate = %d, want 200; body %s", w.Code, w.Body.String())
	}
}

func TestRouter_NoRouteIsJSON404(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q, want JSON", ct)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/validate", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestRouter_GzipWhenAccepted(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}

	// Clients that do not accept gzip get an identity response.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := w.Header().Get("Content-Encoding"); got == "gzip" {
		t.Fatalf("response compressed without Accept-Encoding: gzip")
	}
}

func TestRouter_RequestIDHeaderPresent(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("X-Request-ID missing from response")
	}
}
