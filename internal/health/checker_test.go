package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/netguard"
	"github.com/faucetdb/sluice/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Options{})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func publishedConnector(t *testing.T, st *store.Store, scope model.Scope, slug, baseURL, probe string) *model.Connector {
	t.Helper()
	ctx := context.Background()
	c := &model.Connector{
		Scope: scope, Slug: slug, Name: slug, BaseURL: baseURL, HealthCheckPath: probe,
		AuthType: model.AuthNone, Visibility: model.VisibilityPrivate,
	}
	if err := st.CreateConnector(ctx, c); err != nil {
		t.Fatalf("CreateConnector: %v", err)
	}
	e := &model.Endpoint{ConnectorID: c.ID, Method: "GET", Path: "/", Enabled: true}
	if err := st.CreateEndpoint(ctx, e); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if err := st.PublishConnector(ctx, c.ID); err != nil {
		t.Fatalf("PublishConnector: %v", err)
	}
	return c
}

type headerAuth struct{}

func (headerAuth) Authenticate(_ context.Context, req *http.Request, _ *model.Connector) error {
	req.Header.Set("X-Probe-Key", "k")
	return nil
}

func TestCheckOnceClassifies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("X-Probe-Key") != "k" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/slow":
			time.Sleep(150 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		case "/hang":
			time.Sleep(time.Second)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer upstream.Close()

	st := newTestStore(t)
	acme := model.TeamScope("acme")
	want := map[int64]model.HealthStatus{}
	for slug, probe := range map[string]string{"ok": "/ok", "slow": "/slow", "hang": "/hang", "broken": "/broken"} {
		c := publishedConnector(t, st, acme, slug, upstream.URL, probe)
		switch slug {
		case "ok":
			want[c.ID] = model.HealthUp
		case "slow", "broken":
			want[c.ID] = model.HealthDegraded
		case "hang":
			want[c.ID] = model.HealthDown
		}
	}
	// Drafts are not probed.
	draft := &model.Connector{Scope: acme, Slug: "draft", Name: "draft", BaseURL: upstream.URL, AuthType: model.AuthNone, Visibility: model.VisibilityPrivate}
	if err := st.CreateConnector(context.Background(), draft); err != nil {
		t.Fatalf("CreateConnector: %v", err)
	}

	client := netguard.NewClient(netguard.Options{AllowPrivate: true})
	chk := NewChecker(st, client, headerAuth{}, Options{
		Timeout:       400 * time.Millisecond,
		SlowThreshold: 100 * time.Millisecond,
		Concurrency:   2,
	}, nil)

	results, err := chk.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for _, hc := range results {
		if hc.Status != want[hc.ConnectorID] {
			t.Errorf("connector %d: got %s (%s), want %s", hc.ConnectorID, hc.Status, hc.Error, want[hc.ConnectorID])
		}
	}

	summary, err := chk.Summary(context.Background(), acme)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(summary) != 4 {
		t.Errorf("summary has %d entries, want 4", len(summary))
	}
	if other, _ := chk.Summary(context.Background(), model.TeamScope("globex")); len(other) != 0 {
		t.Errorf("foreign scope summary: %+v", other)
	}
}

func TestProbeRefusesForeignHost(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	chk := NewChecker(newTestStore(t), netguard.NewClient(netguard.Options{AllowPrivate: true}), nil, Options{}, nil)
	hc := chk.Probe(context.Background(), &model.Connector{
		ID:           1,
		BaseURL:      upstream.URL,
		AllowedHosts: []string{"api.example.com"},
	})
	if hc.Status != model.HealthDown || !strings.Contains(hc.Error, "host not allowed") {
		t.Errorf("got %+v, want down with host error", hc)
	}
	if called {
		t.Error("probe reached a host outside the allow-list")
	}
}

func TestHistoryScoped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	st := newTestStore(t)
	acme := model.TeamScope("acme")
	c := publishedConnector(t, st, acme, "weather", upstream.URL, "")
	chk := NewChecker(st, netguard.NewClient(netguard.Options{AllowPrivate: true}), nil, Options{}, nil)

	for i := 0; i < 3; i++ {
		if _, err := chk.CheckOnce(context.Background()); err != nil {
			t.Fatalf("CheckOnce: %v", err)
		}
	}
	hist, err := chk.History(context.Background(), acme, c.ID, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].ID < hist[1].ID {
		t.Errorf("got %+v, want 2 newest-first entries", hist)
	}
	if _, err := chk.History(context.Background(), model.UserScope("u1"), c.ID, 10); !apierr.Is(err, apierr.NotFound) {
		t.Errorf("foreign history: got %v, want NotFound", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	chk := NewChecker(newTestStore(t), http.DefaultClient, nil, Options{Interval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- chk.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
