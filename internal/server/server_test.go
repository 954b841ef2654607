package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/faucetdb/sluice/internal/authstrategy"
	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/health"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/netguard"
	"github.com/faucetdb/sluice/internal/proxy"
	"github.com/faucetdb/sluice/internal/quota"
	"github.com/faucetdb/sluice/internal/service"
	"github.com/faucetdb/sluice/internal/store"
	"github.com/faucetdb/sluice/internal/telemetry"
	"github.com/faucetdb/sluice/internal/usage"
	"github.com/faucetdb/sluice/internal/vault"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testJWTSecret = "test-secret-for-jwt-integration-tests"

var acme = model.TeamScope("acme")

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server     *Server
	store      *store.Store
	identities *service.IdentityService
	recorder   *usage.Recorder
	token      string
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// fully wired Server whose gateway may reach loopback upstreams.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(store.Options{}) // in-memory SQLite
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	v, err := vault.New(bytes.Repeat([]byte{9}, 32), st)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	strategies := authstrategy.Default(nil)
	resolver := connector.NewResolver(st)
	keys := service.NewKeyService(st, logger)
	ids, err := service.NewIdentityService(testJWTSecret)
	if err != nil {
		t.Fatalf("NewIdentityService: %v", err)
	}

	recorder := usage.NewRecorder(st, logger, usage.RecorderOptions{})
	t.Cleanup(recorder.Close)

	client := netguard.NewClient(netguard.Options{AllowPrivate: true})
	injector := proxy.NewInjector(v, strategies)
	metrics := telemetry.New()
	gw := proxy.New(proxy.Options{
		Resolver: resolver,
		Keys:     keys,
		Limiter:  quota.NewLimiter(quota.NewMemoryCounter()),
		Quotas:   quota.NewChecker(st),
		Injector: injector,
		Client:   client,
		Usage:    recorder,
		Metrics:  metrics,
		Logger:   logger,
	})

	deps := Deps{
		Store:      st,
		Connectors: connector.NewService(st, v, resolver, strategies, logger),
		Keys:       keys,
		Identities: ids,
		Usage:      usage.NewAggregator(st),
		Health:     health.NewChecker(st, client, injector, health.Options{}, logger),
		Gateway:    gw,
		Metrics:    metrics,
	}
	cfg := DefaultConfig()
	cfg.PublicBaseURL = "https://sluice.example.com"
	srv := New(cfg, deps, logger)

	token, err := ids.Issue("alice", acme, time.Hour)
	if err != nil {
		t.Fatalf("Issue token: %v", err)
	}
	return &testEnv{server: srv, store: st, identities: ids, recorder: recorder, token: token}
}

// admin sends an authenticated admin request and returns the recorder.
func (e *testEnv) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, "/api/v1/admin"+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

// gateway sends a gateway request with the given API key.
func (e *testEnv) gateway(t *testing.T, method, path, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/gw"+path, nil)
	req.RemoteAddr = "203.0.113.10:5555"
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// setupWeather registers, configures, and publishes a weather connector
// pointing at upstream, then issues an API key for it.
func (e *testEnv) setupWeather(t *testing.T, upstream string) string {
	t.Helper()
	mustStatus(t, e.admin(t, "POST", "/connectors", map[string]interface{}{
		"slug":        "weather",
		"base_url":    upstream,
		"secret_refs": []string{"api_key"},
		"auth_type":   "query",
		"auth":        map[string]string{"secret": "api_key", "param": "appid"},
	}), http.StatusCreated)
	mustStatus(t, e.admin(t, "POST", "/connectors/weather/endpoints", map[string]interface{}{
		"method":  "GET",
		"path":    "/forecast/{city}",
		"enabled": true,
	}), http.StatusCreated)
	mustStatus(t, e.admin(t, "PUT", "/connectors/weather/secrets/api_key", map[string]string{"value": "s3cret"}), http.StatusOK)
	mustStatus(t, e.admin(t, "POST", "/connectors/weather/publish", nil), http.StatusOK)

	rec := e.admin(t, "POST", "/keys", map[string]string{"label": "integration"})
	mustStatus(t, rec, http.StatusCreated)
	var issued struct {
		APIKey string `json:"api_key"`
	}
	decodeBody(t, rec, &issued)
	return issued.APIKey
}

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	mustStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	mustStatus(t, rec, http.StatusOK)

	down := New(DefaultConfig(), Deps{Store: failingPinger{}}, nil)
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	mustStatus(t, rec, http.StatusServiceUnavailable)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "unavailable" || !strings.Contains(body.Checks["store"], "locked") {
		t.Errorf("body = %+v", body)
	}
}

// ---------------------------------------------------------------------------
// Admin authentication
// ---------------------------------------------------------------------------

func TestAdminRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"api key is not an identity", "Bearer slc_0123456789abcdef"},
		{"garbage", "Bearer not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/admin/connectors", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.server.ServeHTTP(rec, req)
			mustStatus(t, rec, http.StatusUnauthorized)

			var resp model.ErrorResponse
			decodeBody(t, rec, &resp)
			if resp.Error.Kind != "unauthenticated" {
				t.Errorf("kind = %q", resp.Error.Kind)
			}
		})
	}
}

func TestAdminCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("OPTIONS", "/api/v1/admin/connectors", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Errorf("missing Access-Control-Allow-Origin, headers %v", rec.Header())
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestGatewayEndToEnd(t *testing.T) {
	var gotQuery, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temp":21}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	apiKey := env.setupWeather(t, upstream.URL)

	rec := env.gateway(t, "GET", "/team/acme/weather/forecast/paris?units=metric", apiKey)
	mustStatus(t, rec, http.StatusOK)
	if rec.Body.String() != `{"temp":21}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if gotPath != "/forecast/paris" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if !strings.Contains(gotQuery, "appid=s3cret") || !strings.Contains(gotQuery, "units=metric") {
		t.Errorf("upstream query = %q", gotQuery)
	}

	// Unknown key and unknown connector look the same to anonymous callers.
	mustStatus(t, env.gateway(t, "GET", "/team/acme/weather/forecast/paris", ""), http.StatusUnauthorized)
	mustStatus(t, env.gateway(t, "GET", "/team/acme/nope/forecast/paris", ""), http.StatusUnauthorized)
	mustStatus(t, env.gateway(t, "GET", "/team/acme/nope/forecast/paris", apiKey), http.StatusNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.recorder.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rec = env.admin(t, "GET", "/usage/connectors", nil)
	mustStatus(t, rec, http.StatusOK)
	var sums struct {
		Resource []model.UsageSummary `json:"resource"`
	}
	decodeBody(t, rec, &sums)
	if len(sums.Resource) != 1 {
		t.Fatalf("got %d summaries, want 1: %s", len(sums.Resource), rec.Body.String())
	}
	// The authenticated success plus the 401 on a resolved connector.
	if sums.Resource[0].Requests != 2 || sums.Resource[0].Errors != 1 {
		t.Errorf("summary = %+v", sums.Resource[0])
	}
}

func TestSecretRotationTakesEffect(t *testing.T) {
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	apiKey := env.setupWeather(t, upstream.URL)

	mustStatus(t, env.gateway(t, "GET", "/team/acme/weather/forecast/oslo", apiKey), http.StatusOK)
	mustStatus(t, env.admin(t, "PUT", "/connectors/weather/secrets/api_key", map[string]string{"value": "rotated"}), http.StatusOK)
	mustStatus(t, env.gateway(t, "GET", "/team/acme/weather/forecast/oslo", apiKey), http.StatusOK)

	if gotQuery != "appid=rotated" {
		t.Errorf("upstream query after rotation = %q", gotQuery)
	}
}

func TestRevokedKeyIsRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	env := newTestEnv(t)
	apiKey := env.setupWeather(t, upstream.URL)

	rec := env.admin(t, "GET", "/keys", nil)
	var list struct {
		Resource []model.APIKey `json:"resource"`
	}
	decodeBody(t, rec, &list)
	if len(list.Resource) != 1 {
		t.Fatalf("got %d keys", len(list.Resource))
	}
	mustStatus(t, env.admin(t, "DELETE", "/keys/"+itoa(list.Resource[0].ID), nil), http.StatusNoContent)
	mustStatus(t, env.gateway(t, "GET", "/team/acme/weather/forecast/oslo", apiKey), http.StatusUnauthorized)
}

func TestMetricsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	env := newTestEnv(t)
	apiKey := env.setupWeather(t, upstream.URL)
	mustStatus(t, env.gateway(t, "GET", "/team/acme/weather/forecast/rome", apiKey), http.StatusOK)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	mustStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "sluice_gateway_requests_total") {
		t.Errorf("metrics output missing request counter:\n%s", rec.Body.String())
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
