package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/service"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID == "" {
		t.Error("expected X-Request-ID in response header")
	}
	// UUID v7 format check: 36 chars with dashes
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, respID)
	}
}

func TestRequestIDReplacesMalformedClientID(t *testing.T) {
	for _, bad := range []string{"has space", "line\nbreak", strings.Repeat("a", maxRequestIDLen+1)} {
		var forwarded string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			forwarded = r.Header.Get(RequestIDHeader)
		}))
		req := httptest.NewRequest("GET", "/gw/team/acme/weather/x", nil)
		req.Header.Set(RequestIDHeader, bad)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		got := rr.Header().Get(RequestIDHeader)
		if got == bad || len(got) != 36 {
			t.Errorf("client ID %q: response ID = %q, want generated UUID", bad, got)
		}
		if forwarded != got {
			t.Errorf("request header = %q, want %q for upstream forwarding", forwarded, got)
		}
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	id := GetRequestID(context.Background())
	if id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Authenticate middleware tests
// ---------------------------------------------------------------------------

func newIdentities(t *testing.T) *service.IdentityService {
	t.Helper()
	ids, err := service.NewIdentityService("middleware-test-secret")
	if err != nil {
		t.Fatalf("NewIdentityService: %v", err)
	}
	return ids
}

func TestAuthenticateAttachesIdentity(t *testing.T) {
	ids := newIdentities(t)
	token, err := ids.Issue("alice", model.TeamScope("acme"), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var got *service.Identity
	handler := Authenticate(ids)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = service.IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/admin/connectors", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got == nil || got.Subject != "alice" || got.Scope != model.TeamScope("acme") {
		t.Errorf("identity = %+v", got)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	ids := newIdentities(t)
	other, _ := service.NewIdentityService("another-secret")
	foreign, _ := other.Issue("mallory", model.UserScope("m"), time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not-a-token"},
		{"foreign signature", "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Authenticate(ids)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("inner handler should not be called")
			}))
			req := httptest.NewRequest("GET", "/api/v1/admin/connectors", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			var env model.ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Error.Kind != "unauthenticated" {
				t.Errorf("kind = %q, want unauthenticated", env.Error.Kind)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Logger middleware tests
// ---------------------------------------------------------------------------

func TestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := RequestID(Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("gone"))
	})))

	req := httptest.NewRequest("GET", "/missing", nil)
	req.Header.Set("X-Request-ID", "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "WARN" || entry["status"] != float64(404) {
		t.Errorf("log entry = %v", entry)
	}
	if entry["request_id"] != "req-1" || entry["bytes"] != float64(4) {
		t.Errorf("log entry = %v", entry)
	}
}

func TestLoggerRoutePatternAndSurface(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := chi.NewRouter()
	r.Use(Logger(logger))
	r.Get("/gw/{kind}/{id}/{slug}/*", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/gw/team/acme/weather/forecast?appid=secret", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["surface"] != "gateway" || entry["route"] != "/gw/{kind}/{id}/{slug}/*" {
		t.Errorf("log entry = %v", entry)
	}
	if strings.Contains(buf.String(), "appid") {
		t.Errorf("query string leaked into log: %s", buf.String())
	}
}

func TestLoggerQuietsProbes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	handler := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("probe logged at info: %s", buf.String())
	}
}

// ---------------------------------------------------------------------------
// RateLimit middleware tests
// ---------------------------------------------------------------------------

func TestRateLimitWritesEnvelope(t *testing.T) {
	handler := RateLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/admin/connectors", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusNoContent {
		t.Fatalf("first request = %d, want 204", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rr.Code)
	}
	var env model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Kind != "rate_limited" || rr.Header().Get("Retry-After") == "" {
		t.Errorf("envelope = %+v, Retry-After = %q", env.Error, rr.Header().Get("Retry-After"))
	}
}
