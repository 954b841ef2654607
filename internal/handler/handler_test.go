package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/sluice/internal/authstrategy"
	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/health"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/service"
	"github.com/faucetdb/sluice/internal/store"
	"github.com/faucetdb/sluice/internal/usage"
	"github.com/faucetdb/sluice/internal/vault"
)

var (
	acme  = model.TeamScope("acme")
	rival = model.UserScope("rival")
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store  *store.Store
	router chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// Chi router with the admin routes mounted. Identity is injected directly
// instead of through token middleware.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(store.Options{}) // in-memory SQLite
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	v, err := vault.New(bytes.Repeat([]byte{7}, 32), st)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	connSvc := connector.NewService(st, v, connector.NewResolver(st), authstrategy.Default(nil), nil)
	conns := NewConnectorHandler(connSvc, "https://gw.example.com")
	keys := NewKeyHandler(service.NewKeyService(st, nil))
	checker := health.NewChecker(st, http.DefaultClient, nil, health.Options{}, nil)
	use := NewUsageHandler(usage.NewAggregator(st), checker)

	r := chi.NewRouter()
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Get("/connectors", conns.ListConnectors)
		r.Post("/connectors", conns.CreateConnector)
		r.Get("/connectors/{slug}", conns.GetConnector)
		r.Put("/connectors/{slug}", conns.UpdateConnector)
		r.Post("/connectors/{slug}/publish", conns.PublishConnector)
		r.Post("/connectors/{slug}/unpublish", conns.UnpublishConnector)
		r.Post("/connectors/{slug}/archive", conns.ArchiveConnector)
		r.Get("/connectors/{slug}/endpoints", conns.ListEndpoints)
		r.Post("/connectors/{slug}/endpoints", conns.CreateEndpoint)
		r.Put("/connectors/{slug}/endpoints/{endpointID}", conns.UpdateEndpoint)
		r.Get("/connectors/{slug}/secrets", conns.ListSecrets)
		r.Put("/connectors/{slug}/secrets/{name}", conns.PutSecret)
		r.Delete("/connectors/{slug}/secrets/{name}", conns.DeleteSecret)
		r.Get("/connectors/{slug}/openapi", conns.ServeOpenAPI)

		r.Get("/keys", keys.ListKeys)
		r.Post("/keys", keys.IssueKey)
		r.Delete("/keys/{keyID}", keys.RevokeKey)
		r.Post("/keys/{keyID}/rotate", keys.RotateKey)
		r.Get("/plans", keys.ListPlans)
		r.Post("/plans", keys.CreatePlan)

		r.Get("/usage/connectors", use.ConnectorUsage)
		r.Get("/usage/keys", use.KeyUsage)
		r.Get("/usage/timeseries", use.Timeseries)
		r.Get("/health", use.HealthSummary)
		r.Get("/health/{connectorID}/history", use.HealthHistory)
	})

	return &testEnv{store: st, router: r}
}

// do sends a request as scope. A zero scope sends no identity.
func (e *testEnv) do(t *testing.T, scope model.Scope, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if !scope.IsZero() {
		req = req.WithContext(service.WithIdentity(req.Context(), &service.Identity{Subject: "tester", Scope: scope}))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

// createWeather registers the weather connector with one disabled endpoint.
func (e *testEnv) createWeather(t *testing.T) int64 {
	t.Helper()
	rec := e.do(t, acme, "POST", "/api/v1/admin/connectors", map[string]interface{}{
		"slug":        "weather",
		"name":        "Weather",
		"base_url":    "https://api.weather.example",
		"secret_refs": []string{"api_key"},
		"auth_type":   "query",
		"auth":        map[string]string{"secret": "api_key", "param": "appid"},
	})
	expectStatus(t, rec, http.StatusCreated)

	rec = e.do(t, acme, "POST", "/api/v1/admin/connectors/weather/endpoints", map[string]interface{}{
		"method":  "GET",
		"path":    "/forecast/{city}",
		"enabled": false,
	})
	expectStatus(t, rec, http.StatusCreated)
	var ep model.Endpoint
	decode(t, rec, &ep)
	return ep.ID
}

func TestConnectorLifecycle(t *testing.T) {
	env := newTestEnv(t)
	epID := env.createWeather(t)

	// Publishing without an enabled endpoint is refused.
	rec := env.do(t, acme, "POST", "/api/v1/admin/connectors/weather/publish", nil)
	expectStatus(t, rec, http.StatusBadRequest)
	var errBody model.ErrorResponse
	decode(t, rec, &errBody)
	if errBody.Error.Fields["endpoints"] != "must have enabled endpoint" {
		t.Errorf("fields = %v", errBody.Error.Fields)
	}

	rec = env.do(t, acme, "PUT", "/api/v1/admin/connectors/weather/endpoints/"+itoa(epID), map[string]bool{"enabled": true})
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(t, acme, "POST", "/api/v1/admin/connectors/weather/publish", nil)
	expectStatus(t, rec, http.StatusOK)
	var c model.Connector
	decode(t, rec, &c)
	if c.Status != model.StatusPublished || c.Version != 2 {
		t.Errorf("after publish: status %s version %d, want published 2", c.Status, c.Version)
	}

	rec = env.do(t, acme, "POST", "/api/v1/admin/connectors/weather/unpublish", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = env.do(t, acme, "POST", "/api/v1/admin/connectors/weather/archive", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = env.do(t, acme, "POST", "/api/v1/admin/connectors/weather/publish", nil)
	expectStatus(t, rec, http.StatusConflict)
}

func TestUpdateConnectorKeepsIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.createWeather(t)

	rec := env.do(t, acme, "PUT", "/api/v1/admin/connectors/weather", map[string]interface{}{
		"name":    "Weather v2",
		"slug":    "hijacked",
		"status":  "published",
		"version": 99,
	})
	expectStatus(t, rec, http.StatusOK)
	var c model.Connector
	decode(t, rec, &c)
	if c.Name != "Weather v2" || c.Slug != "weather" || c.Status != model.StatusDraft {
		t.Errorf("connector = %+v", c)
	}
}

func TestConnectorsAreScoped(t *testing.T) {
	env := newTestEnv(t)
	env.createWeather(t)

	paths := []string{
		"/api/v1/admin/connectors/weather",
		"/api/v1/admin/connectors/weather/endpoints",
		"/api/v1/admin/connectors/weather/secrets",
		"/api/v1/admin/connectors/weather/openapi",
	}
	for _, p := range paths {
		rec := env.do(t, rival, "GET", p, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s as rival: status %d, want 404", p, rec.Code)
		}
	}

	rec := env.do(t, rival, "GET", "/api/v1/admin/connectors", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Resource []model.Connector `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	decode(t, rec, &list)
	if len(list.Resource) != 0 || list.Meta.Count != 0 {
		t.Errorf("rival sees %d connectors", len(list.Resource))
	}

	rec = env.do(t, model.Scope{}, "GET", "/api/v1/admin/connectors", nil)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestSecretsNeverEchoed(t *testing.T) {
	env := newTestEnv(t)
	env.createWeather(t)

	rec := env.do(t, acme, "PUT", "/api/v1/admin/connectors/weather/secrets/api_key", map[string]string{"value": "hunter2-plaintext"})
	expectStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("secret value echoed: %s", rec.Body.String())
	}

	rec = env.do(t, acme, "GET", "/api/v1/admin/connectors/weather/secrets", nil)
	expectStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("secret value listed: %s", rec.Body.String())
	}
	var list struct {
		Resource []model.SecretStatus `json:"resource"`
	}
	decode(t, rec, &list)
	if len(list.Resource) != 1 || !list.Resource[0].Configured {
		t.Errorf("secrets = %+v", list.Resource)
	}

	rec = env.do(t, acme, "PUT", "/api/v1/admin/connectors/weather/secrets/undeclared", map[string]string{"value": "x"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, acme, "DELETE", "/api/v1/admin/connectors/weather/secrets/api_key", nil)
	expectStatus(t, rec, http.StatusNoContent)
	rec = env.do(t, acme, "DELETE", "/api/v1/admin/connectors/weather/secrets/api_key", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServeOpenAPIFormats(t *testing.T) {
	env := newTestEnv(t)
	epID := env.createWeather(t)
	env.do(t, acme, "PUT", "/api/v1/admin/connectors/weather/endpoints/"+itoa(epID), map[string]bool{"enabled": true})

	rec := env.do(t, acme, "GET", "/api/v1/admin/connectors/weather/openapi", nil)
	expectStatus(t, rec, http.StatusOK)
	var doc map[string]interface{}
	decode(t, rec, &doc)
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", doc["openapi"])
	}
	paths, _ := doc["paths"].(map[string]interface{})
	if _, ok := paths["/forecast/{city}"]; !ok {
		t.Errorf("paths = %v", paths)
	}

	rec = env.do(t, acme, "GET", "/api/v1/admin/connectors/weather/openapi?format=yaml", nil)
	expectStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "openapi: 3.1.0") {
		t.Errorf("yaml body = %s", rec.Body.String())
	}

	rec = env.do(t, acme, "GET", "/api/v1/admin/connectors/weather/openapi?format=xml", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, acme, "POST", "/api/v1/admin/plans", map[string]interface{}{
		"name":                "starter",
		"rate_limit":          2,
		"rate_window_seconds": 60,
	})
	expectStatus(t, rec, http.StatusCreated)
	var plan model.Plan
	decode(t, rec, &plan)

	rec = env.do(t, acme, "POST", "/api/v1/admin/keys", map[string]interface{}{
		"label":   "ci",
		"plan_id": plan.ID,
	})
	expectStatus(t, rec, http.StatusCreated)
	var issued issuedKey
	decode(t, rec, &issued)
	if !service.LooksLikeKey(issued.APIKey) {
		t.Fatalf("raw key %q has the wrong shape", issued.APIKey)
	}
	if !strings.HasPrefix(issued.APIKey, issued.Key.KeyPrefix) {
		t.Errorf("prefix %q does not match key", issued.Key.KeyPrefix)
	}

	rec = env.do(t, acme, "POST", "/api/v1/admin/keys/"+itoa(issued.Key.ID)+"/rotate", nil)
	expectStatus(t, rec, http.StatusOK)
	var rotated issuedKey
	decode(t, rec, &rotated)
	if rotated.APIKey == issued.APIKey || rotated.Key.RotatedFrom == nil || *rotated.Key.RotatedFrom != issued.Key.ID {
		t.Errorf("rotated = %+v", rotated.Key)
	}

	// The rotated-away key cannot be rotated twice.
	rec = env.do(t, acme, "POST", "/api/v1/admin/keys/"+itoa(issued.Key.ID)+"/rotate", nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = env.do(t, rival, "DELETE", "/api/v1/admin/keys/"+itoa(rotated.Key.ID), nil)
	expectStatus(t, rec, http.StatusNotFound)
	rec = env.do(t, acme, "DELETE", "/api/v1/admin/keys/"+itoa(rotated.Key.ID), nil)
	expectStatus(t, rec, http.StatusNoContent)

	rec = env.do(t, acme, "GET", "/api/v1/admin/keys", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Resource []model.APIKey `json:"resource"`
	}
	decode(t, rec, &list)
	if len(list.Resource) != 2 {
		t.Fatalf("got %d keys, want 2", len(list.Resource))
	}
	for _, k := range list.Resource {
		if k.Status != model.KeyRevoked {
			t.Errorf("key %d status %s, want revoked", k.ID, k.Status)
		}
	}

	rec = env.do(t, acme, "DELETE", "/api/v1/admin/keys/abc", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestUsageTimeseries(t *testing.T) {
	env := newTestEnv(t)
	env.createWeather(t)
	c, err := env.store.GetConnectorBySlug(context.Background(), acme, "weather")
	if err != nil {
		t.Fatalf("GetConnectorBySlug: %v", err)
	}

	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{5 * time.Minute, 10 * time.Minute, 130 * time.Minute} {
		status := 200
		if i == 2 {
			status = 502
		}
		err := env.store.InsertUsage(context.Background(), &model.UsageRecord{
			ConnectorID: c.ID, Method: "GET", Path: "/forecast/x",
			StatusCode: status, LatencyMs: 10, CreatedAt: from.Add(offset),
		})
		if err != nil {
			t.Fatalf("InsertUsage: %v", err)
		}
	}

	rec := env.do(t, acme, "GET", "/api/v1/admin/usage/timeseries?from=2026-05-01T00:00:00Z&to=2026-05-01T03:00:00Z&interval=hour", nil)
	expectStatus(t, rec, http.StatusOK)
	var ts struct {
		Resource []model.UsageBucket `json:"resource"`
	}
	decode(t, rec, &ts)
	if len(ts.Resource) != 3 {
		t.Fatalf("got %d buckets, want 3", len(ts.Resource))
	}
	want := []int64{2, 0, 1}
	for i, b := range ts.Resource {
		if b.Requests != want[i] {
			t.Errorf("bucket %d requests = %d, want %d", i, b.Requests, want[i])
		}
	}
	if ts.Resource[2].Errors != 1 {
		t.Errorf("bucket 2 errors = %d, want 1", ts.Resource[2].Errors)
	}

	rec = env.do(t, rival, "GET", "/api/v1/admin/usage/connectors?from=2026-05-01T00:00:00Z&to=2026-05-02T00:00:00Z", nil)
	expectStatus(t, rec, http.StatusOK)
	var sums struct {
		Resource []model.UsageSummary `json:"resource"`
	}
	decode(t, rec, &sums)
	if len(sums.Resource) != 0 {
		t.Errorf("rival sees usage: %+v", sums.Resource)
	}

	for _, q := range []string{
		"?from=2026-05-01T03:00:00Z&to=2026-05-01T00:00:00Z",
		"?from=2026-05-01T00:00:00Z&to=2026-05-01T03:00:00Z&interval=fortnightly",
		"?connectorId=-1",
	} {
		rec = env.do(t, acme, "GET", "/api/v1/admin/usage/timeseries"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("timeseries%s: status %d, want 400", q, rec.Code)
		}
	}
}

func TestHealthRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.createWeather(t)
	c, _ := env.store.GetConnectorBySlug(context.Background(), acme, "weather")
	err := env.store.InsertHealthCheck(context.Background(), &model.HealthCheck{
		ConnectorID: c.ID, Status: model.HealthUp, LatencyMs: 12, StatusCode: 200, CheckedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertHealthCheck: %v", err)
	}

	rec := env.do(t, acme, "GET", "/api/v1/admin/health", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Resource []model.HealthCheck `json:"resource"`
	}
	decode(t, rec, &list)
	if len(list.Resource) != 1 || list.Resource[0].Status != model.HealthUp {
		t.Errorf("summary = %+v", list.Resource)
	}

	rec = env.do(t, acme, "GET", "/api/v1/admin/health/"+itoa(c.ID)+"/history", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = env.do(t, rival, "GET", "/api/v1/admin/health/"+itoa(c.ID)+"/history", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
