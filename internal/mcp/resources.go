package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/sluice/internal/openapi"
)

const (
	connectorsURI      = "sluice://connectors"
	openAPIURIPrefix   = "sluice://openapi/"
	openAPIURITemplate = openAPIURIPrefix + "{connector}"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// sluice://connectors: the scope's registered connectors
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			connectorsURI,
			"Registered Connectors",
			mcp.WithResourceDescription(
				"Connectors owned by this scope with their lifecycle status and version.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleConnectorsResource,
	)

	// -------------------------------------------------------------------
	// sluice://openapi/{connector}: OpenAPI document (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			openAPIURITemplate,
			"Connector OpenAPI",
			mcp.WithTemplateDescription(
				"OpenAPI 3.1 document for calling a connector through the gateway.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleOpenAPIResource,
	)
}

// handleConnectorsResource returns a JSON list of the scope's connectors.
func (s *MCPServer) handleConnectorsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	conns, err := s.deps.Connectors.List(ctx, s.scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	items := make([]connectorInfo, len(conns))
	for i, c := range conns {
		items[i] = connectorInfo{
			ID: c.ID, Slug: c.Slug, Name: c.Name, BaseURL: c.BaseURL, AuthType: c.AuthType,
			Visibility: c.Visibility, Status: c.Status, Version: c.Version,
		}
	}

	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connectors: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      connectorsURI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleOpenAPIResource returns the OpenAPI document for one connector.
func (s *MCPServer) handleOpenAPIResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	slug := strings.TrimPrefix(uri, openAPIURIPrefix)
	if slug == "" || slug == uri {
		return nil, fmt.Errorf("invalid OpenAPI URI %q: expected %s", uri, openAPIURITemplate)
	}

	c, err := s.deps.Connectors.Get(ctx, s.scope, slug)
	if err != nil {
		return nil, fmt.Errorf("connector %q: %w", slug, err)
	}
	eps, err := s.deps.Connectors.ListEndpoints(ctx, s.scope, slug)
	if err != nil {
		return nil, fmt.Errorf("connector %q endpoints: %w", slug, err)
	}
	doc, err := openapi.GenerateConnectorSpec(c, eps, s.deps.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("generate OpenAPI for %q: %w", slug, err)
	}
	body, contentType, err := openapi.Render(doc, "json")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: contentType,
			Text:     string(body),
		},
	}, nil
}
