// Package health probes published connectors on an interval and keeps an
// append-only history of the results.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
	"github.com/faucetdb/sluice/internal/telemetry"
)

// Store is the persistence the checker needs.
type Store interface {
	GetConnector(ctx context.Context, id int64) (*model.Connector, error)
	ListConnectors(ctx context.Context, scope model.Scope, status model.ConnectorStatus) ([]*model.Connector, error)
	InsertHealthCheck(ctx context.Context, hc *model.HealthCheck) error
	LatestHealthChecks(ctx context.Context, scope model.Scope) ([]model.HealthCheck, error)
	HealthHistory(ctx context.Context, connectorID int64, limit int) ([]model.HealthCheck, error)
}

// Authenticator applies a connector's upstream credentials to a probe.
type Authenticator interface {
	Authenticate(ctx context.Context, req *http.Request, c *model.Connector) error
}

// Options tune the checker. Zero values take the defaults.
type Options struct {
	Interval      time.Duration // 60s
	Timeout       time.Duration // 10s
	SlowThreshold time.Duration // 2s
	Concurrency   int           // 8
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 2 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
}

// Checker probes upstreams. It never runs on request paths.
type Checker struct {
	store   Store
	client  *http.Client
	auth    Authenticator
	opts    Options
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewChecker creates a checker. auth may be nil, in which case probes are
// sent without credentials.
func NewChecker(st Store, client *http.Client, auth Authenticator, opts Options, logger *slog.Logger) *Checker {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{store: st, client: client, auth: auth, opts: opts, logger: logger}
}

// SetMetrics makes the checker publish a health gauge per connector.
func (c *Checker) SetMetrics(m *telemetry.Metrics) {
	c.metrics = m
}

// Run probes every published connector immediately and then on each tick
// until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("health check round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CheckOnce probes all published connectors concurrently and stores the
// results.
func (c *Checker) CheckOnce(ctx context.Context) ([]model.HealthCheck, error) {
	conns, err := c.store.ListConnectors(ctx, model.Scope{}, model.StatusPublished)
	if err != nil {
		return nil, err
	}

	results := make([]model.HealthCheck, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, conn := range conns {
		g.Go(func() error {
			hc := c.Probe(gctx, conn)
			c.metrics.HealthObserved(telemetry.ConnectorLabel(conn), hc.Status)
			if err := c.store.InsertHealthCheck(gctx, &hc); err != nil {
				c.logger.Warn("failed to store health check", "connector_id", conn.ID, "error", err)
			}
			results[i] = hc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Debug("health check round complete", "connectors", len(conns))
	return results, nil
}

// Probe sends one GET to the connector's health path and classifies the
// outcome. The result is not stored.
func (c *Checker) Probe(ctx context.Context, conn *model.Connector) model.HealthCheck {
	hc := model.HealthCheck{ConnectorID: conn.ID, CheckedAt: time.Now().UTC()}

	target, err := url.Parse(strings.TrimRight(conn.BaseURL, "/") + conn.ProbePath())
	if err != nil {
		hc.Status, hc.Error = model.HealthDown, "invalid probe URL"
		return hc
	}
	if !connector.IsAllowedHost(conn, target) {
		hc.Status, hc.Error = model.HealthDown, "host not allowed: "+target.Hostname()
		return hc
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		hc.Status, hc.Error = model.HealthDown, err.Error()
		return hc
	}
	req.Header.Set("User-Agent", "sluice-health/1")
	if c.auth != nil {
		if err := c.auth.Authenticate(ctx, req, conn); err != nil {
			c.logger.Warn("health probe sent without credentials", "connector_id", conn.ID, "error", err)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	hc.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		hc.Status = model.HealthDown
		if errors.Is(err, context.DeadlineExceeded) {
			hc.Error = fmt.Sprintf("timed out after %s", c.opts.Timeout)
		} else {
			hc.Error = err.Error()
		}
		return hc
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
	resp.Body.Close()

	hc.StatusCode = resp.StatusCode
	latency := time.Duration(hc.LatencyMs) * time.Millisecond
	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		hc.Status = model.HealthDegraded
		hc.Error = fmt.Sprintf("upstream returned %d", resp.StatusCode)
	case latency >= c.opts.SlowThreshold:
		hc.Status = model.HealthDegraded
		hc.Error = fmt.Sprintf("slow response: %dms", hc.LatencyMs)
	default:
		hc.Status = model.HealthUp
	}
	return hc
}

// Summary returns the latest probe for every connector owned by scope.
func (c *Checker) Summary(ctx context.Context, scope model.Scope) ([]model.HealthCheck, error) {
	return c.store.LatestHealthChecks(ctx, scope)
}

// History returns up to limit probes of a connector owned by scope, newest
// first.
func (c *Checker) History(ctx context.Context, scope model.Scope, connectorID int64, limit int) ([]model.HealthCheck, error) {
	conn, err := c.store.GetConnector(ctx, connectorID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conn.Scope != scope) {
		return nil, apierr.NewNotFound("connector")
	}
	if err != nil {
		return nil, err
	}
	return c.store.HealthHistory(ctx, connectorID, limit)
}
