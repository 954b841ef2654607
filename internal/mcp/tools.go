package mcp

import (
	"context"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/openapi"
	"github.com/faucetdb/sluice/internal/usage"
)

// registerTools registers all Sluice MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("sluice_list_connectors",
			mcp.WithDescription(
				"List the connectors owned by this scope. Returns each connector's slug, "+
					"name, base URL, auth type, visibility, lifecycle status, and version. "+
					"Use this first to discover which upstream APIs are registered.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListConnectors,
	)

	srv.AddTool(
		mcp.NewTool("sluice_list_endpoints",
			mcp.WithDescription(
				"List the endpoints of one connector: method, path template, upstream "+
					"path, cache TTL, rate limit, timeout, and whether it is enabled.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("connector",
				mcp.Required(),
				mcp.Description("Slug of the connector"),
			),
		),
		s.handleListEndpoints,
	)

	srv.AddTool(
		mcp.NewTool("sluice_connector_openapi",
			mcp.WithDescription(
				"Get the OpenAPI 3.1 document describing how to call a connector through "+
					"the gateway. Use this to learn request shapes before calling an endpoint.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("connector",
				mcp.Required(),
				mcp.Description("Slug of the connector"),
			),
			mcp.WithString("format",
				mcp.Description("Output format: json (default) or yaml"),
				mcp.Enum("json", "yaml"),
			),
		),
		s.handleConnectorOpenAPI,
	)

	// ----- Analytics tools -----

	srv.AddTool(
		mcp.NewTool("sluice_usage_timeseries",
			mcp.WithDescription(
				"Get request counts, error counts, and average latency in fixed-width "+
					"time buckets. Buckets without traffic are included with zero counts.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("from",
				mcp.Description("Start of the range, RFC 3339 (default: 24 hours before 'to')"),
			),
			mcp.WithString("to",
				mcp.Description("End of the range, RFC 3339 (default: now)"),
			),
			mcp.WithString("interval",
				mcp.Description("Bucket width: minute, hour (default), day, or a duration such as 15m"),
			),
			mcp.WithNumber("connector_id",
				mcp.Description("Restrict to one connector by numeric ID"),
			),
			mcp.WithNumber("key_id",
				mcp.Description("Restrict to one API key by numeric ID"),
			),
		),
		s.handleUsageTimeseries,
	)

	srv.AddTool(
		mcp.NewTool("sluice_usage_summary",
			mcp.WithDescription(
				"Summarise usage over a time range, grouped per connector or per API key.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("group_by",
				mcp.Description("connector (default) or key"),
				mcp.Enum("connector", "key"),
			),
			mcp.WithString("from",
				mcp.Description("Start of the range, RFC 3339 (default: 24 hours before 'to')"),
			),
			mcp.WithString("to",
				mcp.Description("End of the range, RFC 3339 (default: now)"),
			),
		),
		s.handleUsageSummary,
	)

	srv.AddTool(
		mcp.NewTool("sluice_health_summary",
			mcp.WithDescription(
				"Get the most recent health probe of every connector: up, degraded, or "+
					"down, with latency and the upstream status code.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleHealthSummary,
	)
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

// connectorInfo is the agent-facing view of a connector.
type connectorInfo struct {
	ID         int64                 `json:"id"`
	Slug       string                `json:"slug"`
	Name       string                `json:"name"`
	BaseURL    string                `json:"base_url"`
	AuthType   string                `json:"auth_type"`
	Visibility model.Visibility      `json:"visibility"`
	Status     model.ConnectorStatus `json:"status"`
	Version    int                   `json:"version"`
}

// handleListConnectors returns the scope's connectors.
func (s *MCPServer) handleListConnectors(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	conns, err := s.deps.Connectors.List(ctx, s.scope)
	if err != nil {
		return toolError("Failed to list connectors: %v", err)
	}
	items := make([]connectorInfo, len(conns))
	for i, c := range conns {
		items[i] = connectorInfo{
			ID:         c.ID,
			Slug:       c.Slug,
			Name:       c.Name,
			BaseURL:    c.BaseURL,
			AuthType:   c.AuthType,
			Visibility: c.Visibility,
			Status:     c.Status,
			Version:    c.Version,
		}
	}
	return successJSON(items)
}

// handleListEndpoints returns one connector's endpoints.
func (s *MCPServer) handleListEndpoints(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	slug, err := requireString(request, "connector")
	if err != nil {
		return toolError("%v", err)
	}
	eps, err := s.deps.Connectors.ListEndpoints(ctx, s.scope, slug)
	if err != nil {
		return s.lookupError(ctx, slug, err)
	}
	if eps == nil {
		eps = []*model.Endpoint{}
	}
	return successJSON(eps)
}

// handleConnectorOpenAPI renders a connector's OpenAPI document.
func (s *MCPServer) handleConnectorOpenAPI(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	slug, err := requireString(request, "connector")
	if err != nil {
		return toolError("%v", err)
	}
	c, err := s.deps.Connectors.Get(ctx, s.scope, slug)
	if err != nil {
		return s.lookupError(ctx, slug, err)
	}
	eps, err := s.deps.Connectors.ListEndpoints(ctx, s.scope, slug)
	if err != nil {
		return s.lookupError(ctx, slug, err)
	}
	doc, err := openapi.GenerateConnectorSpec(c, eps, s.deps.BaseURL)
	if err != nil {
		return toolError("Failed to generate OpenAPI for %q: %v", slug, err)
	}
	body, _, err := openapi.Render(doc, optionalString(request, "format"))
	if err != nil {
		return toolError("%v. Supported formats: json, yaml", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

// handleUsageTimeseries returns zero-filled usage buckets.
func (s *MCPServer) handleUsageTimeseries(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	q, err := s.usageQuery(request)
	if err != nil {
		return toolError("%v", err)
	}
	if q.Interval, err = usage.ParseInterval(optionalString(request, "interval")); err != nil {
		return toolError("%v", err)
	}
	q.ConnectorID = int64(optionalInt(request, "connector_id", 0))
	q.KeyID = int64(optionalInt(request, "key_id", 0))

	buckets, err := s.deps.Usage.Timeseries(ctx, q)
	if err != nil {
		return toolError("%s", describe(err))
	}
	return successJSON(buckets)
}

// handleUsageSummary returns usage grouped by connector or key.
func (s *MCPServer) handleUsageSummary(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	q, err := s.usageQuery(request)
	if err != nil {
		return toolError("%v", err)
	}
	var rows []model.UsageSummary
	switch optionalString(request, "group_by") {
	case "", "connector":
		rows, err = s.deps.Usage.ByConnector(ctx, q)
	case "key":
		rows, err = s.deps.Usage.ByKey(ctx, q)
	default:
		return toolError("group_by must be connector or key")
	}
	if err != nil {
		return toolError("%s", describe(err))
	}
	if rows == nil {
		rows = []model.UsageSummary{}
	}
	return successJSON(rows)
}

// handleHealthSummary returns the latest probe per connector.
func (s *MCPServer) handleHealthSummary(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	checks := []model.HealthCheck{}
	if s.deps.Health != nil {
		var err error
		if checks, err = s.deps.Health.Summary(ctx, s.scope); err != nil {
			return toolError("Failed to load health checks: %v", err)
		}
	}
	if checks == nil {
		checks = []model.HealthCheck{}
	}
	return successJSON(checks)
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// usageQuery reads the from/to range. to defaults to now and from to 24
// hours before to.
func (s *MCPServer) usageQuery(request mcp.CallToolRequest) (usage.Query, error) {
	to, err := optionalTime(request, "to", time.Now().UTC())
	if err != nil {
		return usage.Query{}, err
	}
	from, err := optionalTime(request, "from", to.Add(-24*time.Hour))
	if err != nil {
		return usage.Query{}, err
	}
	return usage.Query{Scope: s.scope, From: from, To: to}, nil
}

// lookupError reports a failed connector lookup, listing the slugs the agent
// could use instead.
func (s *MCPServer) lookupError(ctx context.Context, slug string, err error) (*mcp.CallToolResult, error) {
	if !apierr.Is(err, apierr.NotFound) {
		return toolError("%s", describe(err))
	}
	conns, listErr := s.deps.Connectors.List(ctx, s.scope)
	if listErr != nil {
		return toolError("Connector %q not found", slug)
	}
	slugs := make([]string, len(conns))
	for i, c := range conns {
		slugs[i] = c.Slug
	}
	return toolError("Connector %q not found. Available connectors: %v", slug, slugs)
}

// describe flattens an error, including validation field messages.
func describe(err error) string {
	e := apierr.As(err)
	if e == nil || len(e.Fields) == 0 {
		return err.Error()
	}
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	msg := e.Message
	for _, field := range fields {
		msg += "; " + field + ": " + e.Fields[field]
	}
	return msg
}
