package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func actorEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := ActorFromContext(r.Context())
		if a == nil {
			t.Error("no actor in context")
			return
		}
		w.Write([]byte(a.ID + "/" + a.Role))
	})
}

func TestAuthMiddleware(t *testing.T) {
	tokens := service.NewTokenService("secret", "", time.Hour)
	adminToken, _, err := tokens.Issue(&model.Actor{ID: "alice", Role: model.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	staffToken, _, err := tokens.Issue(&model.Actor{ID: "bob", Role: model.RoleStaff})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cfg      AuthConfig
		setup    func(r *http.Request)
		wantCode int
		wantBody string
	}{
		{
			name:     "bearer jwt",
			cfg:      AuthConfig{Tokens: tokens},
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+adminToken) },
			wantCode: http.StatusOK,
			wantBody: "alice/admin",
		},
		{
			name:     "jwt keeps role",
			cfg:      AuthConfig{Tokens: tokens},
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+staffToken) },
			wantCode: http.StatusOK,
			wantBody: "bob/staff",
		},
		{
			name:     "query token",
			cfg:      AuthConfig{Tokens: tokens},
			setup:    func(r *http.Request) { r.URL.RawQuery = "token=" + adminToken },
			wantCode: http.StatusOK,
			wantBody: "alice/admin",
		},
		{
			name:     "bad jwt",
			cfg:      AuthConfig{Tokens: tokens, APIKeys: []string{"k1"}},
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer a.b.c") },
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "api key with actor",
			cfg:  AuthConfig{APIKeys: []string{" k1 ", "k2"}},
			setup: func(r *http.Request) {
				r.Header.Set("X-API-Key", "k2")
				r.Header.Set(ActorHeader, "carol")
			},
			wantCode: http.StatusOK,
			wantBody: "carol/admin",
		},
		{
			name:     "api key as bearer",
			cfg:      AuthConfig{Tokens: tokens, APIKeys: []string{"k1"}},
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer k1") },
			wantCode: http.StatusOK,
			wantBody: "api-key/admin",
		},
		{
			name:     "wrong api key",
			cfg:      AuthConfig{APIKeys: []string{"k1"}},
			setup:    func(r *http.Request) { r.Header.Set("X-API-Key", "nope") },
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "missing credentials",
			cfg:      AuthConfig{Tokens: tokens, APIKeys: []string{"k1"}},
			setup:    func(r *http.Request) {},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "open mode",
			cfg:      AuthConfig{Open: true},
			setup:    func(r *http.Request) {},
			wantCode: http.StatusOK,
			wantBody: "anonymous/admin",
		},
		{
			name:     "open mode still checks keys",
			cfg:      AuthConfig{Open: true, APIKeys: []string{"k1"}},
			setup:    func(r *http.Request) { r.Header.Set("X-API-Key", "nope") },
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthMiddleware(tt.cfg)(actorEcho(t))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantCode == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"UNAUTHORIZED"`) {
				t.Errorf("body = %s, want UNAUTHORIZED error", rec.Body.String())
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get(RequestIDHeader) != "abc-123" {
		t.Errorf("request id = %q / %q, want abc-123", seen, rec.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen == "" || len(seen) > maxRequestIDLen {
		t.Errorf("oversized request id was not replaced: %q", seen)
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Errorf("panic was not logged: %v", logs.All())
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.New()

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logging(zap.New(core), m))
	r.Get("/api/v1/inventory/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	for _, path := range []string{"/api/v1/inventory/u1", "/api/v1/inventory/u2", "/ok"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	warns := logs.FilterMessage("client error").All()
	if len(warns) != 2 {
		t.Fatalf("client error entries = %d, want 2", len(warns))
	}
	fields := warns[0].ContextMap()
	if fields["route"] != "/api/v1/inventory/{id}" || fields["status"] != int64(404) {
		t.Errorf("fields = %v", fields)
	}
	if fields["request_id"] == "" {
		t.Error("request_id not logged")
	}
	if logs.FilterMessage("request").Len() != 1 {
		t.Errorf("info entries = %d, want 1", logs.FilterMessage("request").Len())
	}

	got, err := testutil.GatherAndCount(m.Registry(), "bloodbank_http_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("http_requests_total series = %d, want 2", got)
	}
}
