// Package openapi renders a connector's published surface as an OpenAPI 3.1
// document.
package openapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"sigs.k8s.io/yaml"

	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/model"
)

// bodyMethods are the methods whose operations document a request body.
var bodyMethods = map[string]bool{"POST": true, "PUT": true, "PATCH": true}

// anyMethods are the operations an ANY endpoint expands to.
var anyMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// GatewayPath returns the path prefix under which a connector is served.
func GatewayPath(c *model.Connector) string {
	return fmt.Sprintf("/gw/%s/%s/%s", c.Scope.Kind(), c.Scope.ID(), c.Slug)
}

// GenerateConnectorSpec builds the document for one connector. Only enabled
// endpoints are included. baseURL is the gateway's external URL.
func GenerateConnectorSpec(c *model.Connector, endpoints []*model.Endpoint, baseURL string) (*openapi3.T, error) {
	title := c.Name
	if title == "" {
		title = c.Slug
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       fmt.Sprintf("%s API", title),
			Description: c.Description,
			Version:     fmt.Sprintf("%d", c.Version),
		},
		Servers: openapi3.Servers{
			{URL: strings.TrimRight(baseURL, "/") + GatewayPath(c)},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	doc.Components.SecuritySchemes["bearerKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:        "http",
			Scheme:      "bearer",
			Description: "Gateway API key sent as a bearer token.",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
		{"bearerKey": {}},
	}
	doc.Components.Schemas["ErrorResponse"] = errorSchema()

	doc.Paths = openapi3.NewPaths()

	sorted := make([]*model.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Enabled {
			sorted = append(sorted, e)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Method < sorted[j].Method
	})

	for _, e := range sorted {
		item := doc.Paths.Value(e.Path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(e.Path, item)
		}
		methods := []string{e.Method}
		if e.Method == connector.MethodAny {
			methods = anyMethods
		}
		for _, m := range methods {
			// An explicit method endpoint wins over ANY for the same path.
			if item.GetOperation(m) != nil && e.Method == connector.MethodAny {
				continue
			}
			op, err := endpointOperation(c, e, m)
			if err != nil {
				return nil, err
			}
			item.SetOperation(m, op)
		}
	}
	return doc, nil
}

func endpointOperation(c *model.Connector, e *model.Endpoint, method string) (*openapi3.Operation, error) {
	summary := e.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s %s", method, e.Path)
	}
	op := &openapi3.Operation{
		Tags:        []string{c.Slug},
		Summary:     summary,
		OperationID: operationID(method, e.Path),
		Responses:   newResponses(e),
	}

	for _, name := range connector.TemplateParams(e.Path) {
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema()),
		})
	}

	if bodyMethods[method] {
		rb, err := requestBody(e)
		if err != nil {
			return nil, err
		}
		op.RequestBody = rb
	}
	return op, nil
}

func requestBody(e *model.Endpoint) (*openapi3.RequestBodyRef, error) {
	contentType := e.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	schema := &openapi3.Schema{}
	if len(e.BodySchema) > 0 {
		if err := json.Unmarshal(e.BodySchema, schema); err != nil {
			return nil, fmt.Errorf("endpoint %d body schema: %w", e.ID, err)
		}
	}
	if e.BodyPattern != "" && len(e.BodySchema) == 0 {
		schema = openapi3.NewStringSchema()
		schema.Pattern = e.BodyPattern
	}
	desc := "Request body forwarded to the upstream."
	if len(e.BodyBlacklist) > 0 {
		desc += " Rejected fields: " + strings.Join(e.BodyBlacklist, ", ") + "."
	}
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: desc,
			Required:    len(e.BodySchema) > 0 || e.BodyPattern != "",
			Content: openapi3.Content{
				contentType: &openapi3.MediaType{Schema: &openapi3.SchemaRef{Value: schema}},
			},
		},
	}, nil
}

// newResponses documents the upstream pass-through response and the
// gateway's own error statuses.
func newResponses(e *model.Endpoint) *openapi3.Responses {
	responses := openapi3.NewResponses()

	okDesc := "Upstream response, passed through unchanged."
	if e.CacheTTL > 0 {
		okDesc += fmt.Sprintf(" GET responses may be served from cache for %d seconds (X-Cache header).", e.CacheTTL)
	}
	responses.Set("default", &openapi3.ResponseRef{
		Value: &openapi3.Response{Description: &okDesc},
	})

	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	for _, r := range []struct {
		code, desc string
	}{
		{"400", "Request rejected by body constraints"},
		{"401", "Missing, invalid, expired, or revoked API key"},
		{"403", "API key not allowed to call this endpoint"},
		{"404", "Unknown connector or endpoint"},
		{"413", "Request body too large"},
		{"429", "Rate limit or quota exceeded"},
		{"502", "Upstream unreachable"},
		{"504", "Upstream timed out"},
	} {
		desc := r.desc
		resp := &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		}
		if r.code == "429" {
			resp.Headers = openapi3.Headers{
				"Retry-After": &openapi3.HeaderRef{Value: &openapi3.Header{Parameter: openapi3.Parameter{
					Description: "Seconds until the rate window resets. Absent for quota errors.",
					Schema:      openapi3.NewIntegerSchema().NewRef(),
				}}},
			}
		}
		responses.Set(r.code, &openapi3.ResponseRef{Value: resp})
	}
	return responses
}

func errorSchema() *openapi3.SchemaRef {
	str := func() *openapi3.SchemaRef { return openapi3.NewStringSchema().NewRef() }
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:     &openapi3.Types{"object"},
						Required: []string{"code", "kind", "layer", "message"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"kind":    str(),
							"layer":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []interface{}{model.LayerGateway, model.LayerUpstream}}},
							"message": str(),
							"fields": &openapi3.SchemaRef{Value: &openapi3.Schema{
								Type:                 &openapi3.Types{"object"},
								AdditionalProperties: openapi3.AdditionalProperties{Schema: str()},
							}},
							"retry_after": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
						},
					},
				},
			},
		},
	}
}

// operationID derives a stable identifier such as get_forecast_city.
func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		seg = strings.Trim(seg, "{}")
		if seg == "" {
			continue
		}
		b.WriteByte('_')
		for _, r := range seg {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

// Render encodes doc as "json" (default) or "yaml".
func Render(doc *openapi3.T, format string) ([]byte, string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal openapi: %w", err)
	}
	switch strings.ToLower(format) {
	case "", "json":
		return data, "application/json", nil
	case "yaml", "yml":
		out, err := yaml.JSONToYAML(data)
		if err != nil {
			return nil, "", fmt.Errorf("convert openapi to yaml: %w", err)
		}
		return out, "application/yaml", nil
	}
	return nil, "", fmt.Errorf("unsupported format %q", format)
}
