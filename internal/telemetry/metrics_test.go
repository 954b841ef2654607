package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/faucetdb/sluice/internal/model"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.ObserveRequest("team:acme/weather", 200, "", 10*time.Millisecond)
	m.ObserveRequest("team:acme/weather", 200, "", 20*time.Millisecond)
	m.ObserveRequest("team:acme/weather", 504, model.LayerUpstream, time.Second)
	m.Rejected("rate_limited")
	m.CacheLookup(true)
	m.HealthObserved("team:acme/weather", model.HealthDegraded)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("team:acme/weather", "200", "none")); got != 2 {
		t.Errorf("requests{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("team:acme/weather", "504", "upstream")); got != 1 {
		t.Errorf("requests{504} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.health.WithLabelValues("team:acme/weather")); got != 0.5 {
		t.Errorf("health = %v, want 0.5", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"sluice_gateway_requests_total", "sluice_gateway_rejections_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("x", 200, "", time.Millisecond)
	m.Rejected("x")
	m.CacheLookup(false)
	m.MissingSecret("x")
	m.HealthObserved("x", model.HealthUp)
	m.ObserveUpstream("x", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
