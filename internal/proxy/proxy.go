// Package proxy implements the gateway request pipeline: resolve the
// connector, authenticate and authorize the caller, enforce rate limits and
// quotas, inject upstream credentials, forward the request, and record one
// usage record per resolved request.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/netguard"
	"github.com/faucetdb/sluice/internal/quota"
	"github.com/faucetdb/sluice/internal/service"
	"github.com/faucetdb/sluice/internal/telemetry"
)

// StatusClientClosed is recorded when the caller disconnects before the
// response completes.
const StatusClientClosed = 499

// Resolver looks up connectors with their endpoints.
type Resolver interface {
	ResolveWithEndpoints(ctx context.Context, scope model.Scope, slug string) (*connector.Resolved, error)
}

// KeyValidator authenticates raw API keys.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string, now time.Time) (*model.Principal, error)
}

// UsageSink receives one record per resolved request.
type UsageSink interface {
	Record(rec model.UsageRecord)
}

// Config holds deployment defaults for the pipeline. Plan limits override
// the byte caps when set.
type Config struct {
	DefaultTimeout   time.Duration
	MaxRequestBytes  int64
	MaxResponseBytes int64
	// DefaultRateLimit applies per minute to keys without a plan.
	DefaultRateLimit int
	CacheMaxEntries  int
	APIKeyHeader     string
}

// Options wires the gateway's collaborators. Limiter, Quotas, Usage, and
// Metrics are optional.
type Options struct {
	Resolver Resolver
	Keys     KeyValidator
	Limiter  *quota.Limiter
	Quotas   *quota.Checker
	Injector *Injector
	Client   *http.Client
	Usage    UsageSink
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Config   Config
	Now      func() time.Time
}

// Gateway serves /{scopeKind}/{scopeID}/{slug}/* proxy traffic.
type Gateway struct {
	resolver Resolver
	keys     KeyValidator
	limiter  *quota.Limiter
	quotas   *quota.Checker
	injector *Injector
	client   *http.Client
	cache    *ResponseCache
	usage    UsageSink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// New creates a gateway.
func New(opts Options) *Gateway {
	cfg := opts.Config
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	client := opts.Client
	if client == nil {
		client = netguard.NewClient(netguard.Options{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		resolver: opts.Resolver,
		keys:     opts.Keys,
		limiter:  opts.Limiter,
		quotas:   opts.Quotas,
		injector: opts.Injector,
		client:   client,
		cache:    NewResponseCache(cfg.CacheMaxEntries),
		usage:    opts.Usage,
		metrics:  opts.Metrics,
		logger:   logger,
		cfg:      cfg,
		now:      now,
	}
}

// Handler returns the gateway router, to be mounted under the gateway prefix.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/{scopeKind}/{scopeID}/{slug}", g.ServeHTTP)
	r.HandleFunc("/{scopeKind}/{scopeID}/{slug}/*", g.ServeHTTP)
	return r
}

// exchange accumulates what the usage record and metrics need to know about
// one request.
type exchange struct {
	conn       *model.Connector
	keyID      *int64
	endpointID *int64
	path       string
	reqBytes   int64
	upstream   time.Duration
	layer      string
	cacheHit   bool
	clientGone bool
}

// ServeHTTP runs the pipeline for one request. The deferred finish writes the
// usage record on every exit path, panics included.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := g.now()
	sw := &statusWriter{ResponseWriter: w}
	ex := &exchange{path: requestPath(r)}

	defer func() {
		p := recover()
		if p != nil && p != http.ErrAbortHandler {
			g.logger.Error("gateway panic", "panic", p, "path", r.URL.Path)
			if !sw.wroteHeader {
				g.fail(sw, ex, apierr.New(apierr.Internal, "internal error", nil))
			} else {
				ex.layer = model.LayerGateway
			}
		}
		g.finish(r, sw, ex, start)
		if p == http.ErrAbortHandler {
			panic(p)
		}
	}()

	g.serve(sw, r, ex)
}

func (g *Gateway) serve(w *statusWriter, r *http.Request, ex *exchange) {
	ctx := r.Context()

	// The resolution outcome is held back until the caller is authenticated
	// so that anonymous callers cannot probe which connectors exist.
	var res *connector.Resolved
	scope, resolveErr := model.ParseScope(chi.URLParam(r, "scopeKind"), chi.URLParam(r, "scopeID"))
	if resolveErr != nil {
		resolveErr = connector.ErrNotFound
	} else {
		res, resolveErr = g.resolver.ResolveWithEndpoints(ctx, scope, chi.URLParam(r, "slug"))
	}
	if res != nil {
		ex.conn = res.Connector
	}

	raw := g.apiKey(r)
	if raw == "" {
		g.fail(w, ex, apierr.New(apierr.Unauthenticated, "missing API key", nil))
		return
	}
	principal, err := g.keys.Validate(ctx, raw, g.now())
	if err != nil {
		g.fail(w, ex, err)
		return
	}

	if errors.Is(resolveErr, connector.ErrNotFound) {
		g.fail(w, ex, apierr.NewNotFound("connector"))
		return
	}
	if resolveErr != nil {
		g.fail(w, ex, resolveErr)
		return
	}
	c := res.Connector
	if !connector.Callable(c, principal.Key.Scope) {
		g.fail(w, ex, apierr.NewNotFound("connector"))
		return
	}
	ex.keyID = &principal.Key.ID

	ep, params, ok := res.Match(r.Method, ex.path)
	if !ok || !ep.Enabled {
		g.fail(w, ex, apierr.NewNotFound("endpoint"))
		return
	}
	ex.endpointID = &ep.ID

	if err := authorize(r, principal, c, ep); err != nil {
		g.fail(w, ex, err)
		return
	}
	if err := g.admit(ctx, w, principal, ep); err != nil {
		g.fail(w, ex, err)
		return
	}

	var cacheKey string
	if g.cache != nil && ep.CacheTTL > 0 && r.Method == http.MethodGet {
		cacheKey = responseCacheKey(c, ep, ex.path, r.URL.RawQuery)
		if hit, ok := g.cache.Get(cacheKey, g.now()); ok {
			g.metrics.CacheLookup(true)
			ex.cacheHit = true
			writeCached(w, hit)
			return
		}
		g.metrics.CacheLookup(false)
		w.Header().Set("X-Cache", "MISS")
	}

	target, err := upstreamURL(c, ep, params, r.URL.RawQuery)
	if err != nil {
		g.fail(w, ex, apierr.New(apierr.Internal, "invalid upstream URL", err))
		return
	}
	if !connector.IsAllowedHost(c, target) {
		g.logger.Warn("upstream host not allowed", "connector", telemetry.ConnectorLabel(c), "host", target.Hostname())
		g.fail(w, ex, apierr.New(apierr.Forbidden, "upstream host not allowed", nil))
		return
	}

	g.forward(w, r, ex, res, ep, principal.Plan, target, cacheKey)
}

// forward sends the request upstream and relays the response.
func (g *Gateway) forward(w *statusWriter, r *http.Request, ex *exchange, res *connector.Resolved, ep *model.Endpoint, plan *model.Plan, target *url.URL, cacheKey string) {
	ctx := r.Context()
	c := res.Connector
	maxReq, maxResp := g.cfg.MaxRequestBytes, g.cfg.MaxResponseBytes
	if plan != nil && plan.MaxRequestBytes > 0 {
		maxReq = plan.MaxRequestBytes
	}
	if plan != nil && plan.MaxResponseBytes > 0 {
		maxResp = plan.MaxResponseBytes
	}

	if maxReq > 0 && r.ContentLength > maxReq {
		g.fail(w, ex, apierr.Newf(apierr.PayloadTooLarge, "request body exceeds %d bytes", maxReq))
		return
	}
	if maxReq > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReq)
	}

	contentType := r.Header.Get("Content-Type")
	if ep.ContentType != "" {
		contentType = ep.ContentType
	}

	var body io.Reader
	counter := &countingReader{r: r.Body}
	if bc := res.Constraints(ep.ID); bc.NeedsBody() {
		data, err := io.ReadAll(r.Body)
		ex.reqBytes = int64(len(data))
		if err != nil {
			g.fail(w, ex, bodyError(err))
			return
		}
		if fields := bc.Check(data, contentType); fields != nil {
			g.fail(w, ex, apierr.NewValidation("request body rejected", fields))
			return
		}
		if len(data) > 0 {
			body = bytes.NewReader(data)
		}
	} else if r.ContentLength != 0 {
		body = counter
	}

	timeout := g.cfg.DefaultTimeout
	if ep.TimeoutMs > 0 {
		timeout = time.Duration(ep.TimeoutMs) * time.Millisecond
	}
	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(uctx, r.Method, target.String(), body)
	if err != nil {
		g.fail(w, ex, apierr.New(apierr.Internal, "build upstream request", err))
		return
	}
	if body == counter {
		out.ContentLength = r.ContentLength
	}
	copyRequestHeaders(out.Header, r.Header, g.cfg.APIKeyHeader)
	if body != nil && ep.ContentType != "" {
		out.Header.Set("Content-Type", ep.ContentType)
	}

	var injected []string
	if g.injector != nil {
		inj, err := g.injector.Inject(uctx, out, c)
		injected = inj.Values
		for _, name := range inj.Missing {
			g.logger.Warn("connector secret not configured", "connector", telemetry.ConnectorLabel(c), "secret", name)
			g.metrics.MissingSecret(telemetry.ConnectorLabel(c))
		}
		if err != nil {
			g.fail(w, ex, apierr.New(apierr.Internal, "credential injection failed", err))
			return
		}
	}

	upstreamStart := g.now()
	resp, err := g.client.Do(out)
	ex.upstream = g.now().Sub(upstreamStart)
	g.metrics.ObserveUpstream(telemetry.ConnectorLabel(c), ex.upstream)
	if body == counter {
		ex.reqBytes = counter.n
	}
	if err != nil {
		if ctx.Err() != nil {
			ex.clientGone = true
			return
		}
		g.fail(w, ex, upstreamError(err))
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	scrubSecrets(w.Header(), injected)
	if resp.StatusCode >= 400 {
		w.Header().Set(apierr.LayerHeader, string(model.LayerUpstream))
	}
	truncate := maxResp > 0 && resp.ContentLength > maxResp
	if truncate {
		w.Header().Del("Content-Length")
	}
	w.WriteHeader(resp.StatusCode)

	var capture *bodyCapture
	if cacheKey != "" && resp.StatusCode == http.StatusOK && !truncate && !isEventStream(resp.Header) {
		capture = &bodyCapture{}
	}
	complete, err := relay(w, resp.Body, maxResp, isEventStream(resp.Header), capture)
	if err != nil {
		if ctx.Err() != nil {
			ex.clientGone = true
		} else {
			g.logger.Warn("upstream body interrupted", "connector", telemetry.ConnectorLabel(c), "error", err)
		}
		return
	}
	if capture != nil && complete && !capture.overflow {
		now := g.now()
		header := http.Header{}
		copyResponseHeaders(header, resp.Header)
		scrubSecrets(header, injected)
		g.cache.Put(cacheKey, &CachedResponse{
			Status:  resp.StatusCode,
			Header:  header,
			Body:    capture.buf.Bytes(),
			Expires: now.Add(time.Duration(ep.CacheTTL) * time.Second),
		}, now)
	}
}

// admit enforces the key's rate window, the plan quota, and the endpoint's
// own rate limit, in that order.
func (g *Gateway) admit(ctx context.Context, w http.ResponseWriter, p *model.Principal, ep *model.Endpoint) error {
	now := g.now()
	if g.limiter != nil {
		limit, burst, window := g.cfg.DefaultRateLimit, 0, time.Minute
		if p.Plan != nil {
			limit, burst, window = p.Plan.RateLimit, p.Plan.Burst, p.Plan.Window()
		}
		d, err := g.limiter.Allow(ctx, quota.KeyIdentity(p.Key.ID), limit, burst, window, now)
		if err != nil {
			return apierr.New(apierr.Internal, "rate limiter unavailable", err)
		}
		setRateHeaders(w.Header(), d)
		if !d.Allowed {
			return apierr.NewRateLimited("rate limit exceeded", d.RetryAfter)
		}
	}
	if g.quotas != nil {
		if err := g.quotas.Check(ctx, p.Key.ID, p.Plan, now); err != nil {
			return err
		}
	}
	if g.limiter != nil && ep.RateLimit > 0 {
		d, err := g.limiter.Allow(ctx, quota.EndpointIdentity(ep.ID, p.Key.ID), ep.RateLimit, 0, time.Minute, now)
		if err != nil {
			return apierr.New(apierr.Internal, "rate limiter unavailable", err)
		}
		if !d.Allowed {
			return apierr.NewRateLimited("endpoint rate limit exceeded", d.RetryAfter)
		}
	}
	return nil
}

func authorize(r *http.Request, p *model.Principal, c *model.Connector, ep *model.Endpoint) error {
	k := p.Key
	if k.ConnectorID != nil && *k.ConnectorID != c.ID {
		return apierr.New(apierr.Forbidden, "API key is not bound to this connector", nil)
	}
	if len(k.AllowedEndpoints) > 0 && !slices.Contains(k.AllowedEndpoints, ep.ID) {
		return apierr.New(apierr.Forbidden, "endpoint not allowed for this API key", nil)
	}
	if len(k.AllowedIPs) > 0 && !ipAllowed(clientIP(r), k.AllowedIPs) {
		return apierr.New(apierr.Forbidden, "client address not allowed for this API key", nil)
	}
	if p.Plan != nil && len(p.Plan.AllowedConnectors) > 0 && !slices.Contains(p.Plan.AllowedConnectors, c.ID) {
		return apierr.New(apierr.Forbidden, "connector not included in plan", nil)
	}
	return nil
}

func (g *Gateway) fail(w *statusWriter, ex *exchange, err error) {
	e := apierr.As(err)
	if e.Kind == apierr.Internal {
		g.logger.Error("gateway error", "error", err, "path", ex.path)
	}
	ex.layer = model.LayerGateway
	if e.Upstream() {
		ex.layer = model.LayerUpstream
	} else {
		g.metrics.Rejected(string(e.Kind))
	}
	apierr.Write(w, e)
}

func (g *Gateway) finish(r *http.Request, sw *statusWriter, ex *exchange, start time.Time) {
	elapsed := g.now().Sub(start)
	status := sw.status
	if ex.clientGone {
		status = StatusClientClosed
	}

	label := "unresolved"
	if ex.conn != nil {
		label = telemetry.ConnectorLabel(ex.conn)
	}
	g.metrics.ObserveRequest(label, status, ex.layer, elapsed)

	if ex.conn == nil || g.usage == nil {
		return
	}
	g.usage.Record(model.UsageRecord{
		ConnectorID:       ex.conn.ID,
		APIKeyID:          ex.keyID,
		EndpointID:        ex.endpointID,
		Method:            r.Method,
		Path:              ex.path,
		StatusCode:        status,
		LatencyMs:         elapsed.Milliseconds(),
		UpstreamLatencyMs: ex.upstream.Milliseconds(),
		RequestBytes:      ex.reqBytes,
		ResponseBytes:     sw.bytes,
		ErrorLayer:        ex.layer,
		CacheHit:          ex.cacheHit,
		CreatedAt:         start.UTC(),
	})
}

// apiKey reads the caller's key from the configured header, or from an
// Authorization bearer token carrying the key prefix.
func (g *Gateway) apiKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(g.cfg.APIKeyHeader)); k != "" {
		return k
	}
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		tok = strings.TrimSpace(tok)
		if strings.HasPrefix(tok, service.KeyPrefix) {
			return tok
		}
	}
	return ""
}

// requestPath returns the path after the connector slug, always rooted.
func requestPath(r *http.Request) string {
	rest := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if u, err := url.PathUnescape(rest); err == nil {
			rest = u
		}
	}
	return "/" + strings.TrimPrefix(rest, "/")
}

// upstreamURL joins the connector base URL with the endpoint's upstream
// template and the caller's query string.
func upstreamURL(c *model.Connector, ep *model.Endpoint, params map[string]string, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	u := *base
	escaped := strings.TrimSuffix(base.EscapedPath(), "/") + "/" + strings.TrimPrefix(connector.Expand(ep.Target(), params), "/")
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, err
	}
	u.Path, u.RawPath = path, escaped
	switch {
	case base.RawQuery == "":
		u.RawQuery = rawQuery
	case rawQuery != "":
		u.RawQuery = base.RawQuery + "&" + rawQuery
	}
	u.Fragment = ""
	return &u, nil
}

// responseCacheKey identifies a cached response. It covers every field that
// shapes the upstream request, so any connector or endpoint edit misses.
func responseCacheKey(c *model.Connector, ep *model.Endpoint, path, rawQuery string) string {
	h := fnv.New64a()
	for _, part := range []string{
		strconv.Itoa(c.Version), c.BaseURL, c.AuthType, c.UpdatedAt.Format(time.RFC3339Nano),
		ep.Method, ep.Path, ep.UpstreamPath, ep.ContentType, ep.UpdatedAt.Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return strconv.FormatInt(c.ID, 10) + ":" + strconv.FormatInt(ep.ID, 10) + ":" +
		strconv.FormatUint(h.Sum64(), 16) + ":" + path + "?" + rawQuery
}

func writeCached(w http.ResponseWriter, hit *CachedResponse) {
	h := w.Header()
	for k, vv := range hit.Header {
		h[k] = slices.Clone(vv)
	}
	h.Set("X-Cache", "HIT")
	w.WriteHeader(hit.Status)
	_, _ = w.Write(hit.Body)
}

func setRateHeaders(h http.Header, d quota.Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apierr.Newf(apierr.PayloadTooLarge, "request body exceeds %d bytes", mbe.Limit)
	}
	return apierr.New(apierr.ValidationFailed, "could not read request body", err)
}

// upstreamError classifies a failed round trip.
func upstreamError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apierr.Newf(apierr.PayloadTooLarge, "request body exceeds %d bytes", mbe.Limit)
	}
	if errors.Is(err, netguard.ErrPrivateAddress) {
		return apierr.New(apierr.Forbidden, "upstream address not allowed", err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apierr.New(apierr.UpstreamTimeout, "upstream timed out", err)
	}
	return apierr.New(apierr.UpstreamUnavailable, "upstream unavailable", err)
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func ipAllowed(ip net.IP, allowed []string) bool {
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if _, n, err := net.ParseCIDR(entry); err == nil && n.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
