package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/openapi"
)

// ConnectorHandler serves connector, endpoint, secret, and OpenAPI admin
// routes. Every operation is confined to the caller's scope.
type ConnectorHandler struct {
	svc     *connector.Service
	baseURL string
}

// NewConnectorHandler creates a ConnectorHandler. baseURL is the public
// address advertised in generated OpenAPI documents.
func NewConnectorHandler(svc *connector.Service, baseURL string) *ConnectorHandler {
	return &ConnectorHandler{svc: svc, baseURL: baseURL}
}

// ---------------------------------------------------------------------------
// Connectors
// ---------------------------------------------------------------------------

// ListConnectors returns the caller's connectors.
// GET /api/v1/admin/connectors
func (h *ConnectorHandler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	conns, err := h.svc.List(r.Context(), scope)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if conns == nil {
		conns = []*model.Connector{}
	}
	writeList(w, conns, len(conns), start)
}

// CreateConnector registers a draft connector.
// POST /api/v1/admin/connectors
func (h *ConnectorHandler) CreateConnector(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var c model.Connector
	if err := readJSON(r, &c); err != nil {
		writeAPIError(w, err)
		return
	}
	created, err := h.svc.Create(r.Context(), scope, &c)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetConnector returns one connector.
// GET /api/v1/admin/connectors/{slug}
func (h *ConnectorHandler) GetConnector(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	c, err := h.svc.Get(r.Context(), scope, chi.URLParam(r, "slug"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateConnector overlays the request body onto the stored connector.
// Fields absent from the body keep their values.
// PUT /api/v1/admin/connectors/{slug}
func (h *ConnectorHandler) UpdateConnector(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	c, err := h.svc.Update(r.Context(), scope, chi.URLParam(r, "slug"), func(c *model.Connector) error {
		return json.Unmarshal(body, c)
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// PublishConnector moves a draft connector to published.
// POST /api/v1/admin/connectors/{slug}/publish
func (h *ConnectorHandler) PublishConnector(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Publish)
}

// UnpublishConnector returns a published connector to draft.
// POST /api/v1/admin/connectors/{slug}/unpublish
func (h *ConnectorHandler) UnpublishConnector(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Unpublish)
}

// ArchiveConnector retires a connector permanently.
// POST /api/v1/admin/connectors/{slug}/archive
func (h *ConnectorHandler) ArchiveConnector(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Archive)
}

type lifecycleFunc func(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error)

func (h *ConnectorHandler) transition(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	c, err := fn(r.Context(), scope, chi.URLParam(r, "slug"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// ListEndpoints returns a connector's endpoints.
// GET /api/v1/admin/connectors/{slug}/endpoints
func (h *ConnectorHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	eps, err := h.svc.ListEndpoints(r.Context(), scope, chi.URLParam(r, "slug"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if eps == nil {
		eps = []*model.Endpoint{}
	}
	writeList(w, eps, len(eps), start)
}

// CreateEndpoint adds an endpoint to a connector.
// POST /api/v1/admin/connectors/{slug}/endpoints
func (h *ConnectorHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var e model.Endpoint
	if err := readJSON(r, &e); err != nil {
		writeAPIError(w, err)
		return
	}
	created, err := h.svc.CreateEndpoint(r.Context(), scope, chi.URLParam(r, "slug"), &e)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateEndpoint overlays the request body onto a stored endpoint.
// PUT /api/v1/admin/connectors/{slug}/endpoints/{endpointID}
func (h *ConnectorHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	id, err := pathInt64(r, "endpointID")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	e, err := h.svc.UpdateEndpoint(r.Context(), scope, chi.URLParam(r, "slug"), id, func(e *model.Endpoint) error {
		return json.Unmarshal(body, e)
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

// secretRequest is the payload for PutSecret. The value is write-only.
type secretRequest struct {
	Value string `json:"value"`
}

// ListSecrets reports which secrets are configured. Values are never
// returned.
// GET /api/v1/admin/connectors/{slug}/secrets
func (h *ConnectorHandler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	secrets, err := h.svc.ListSecrets(r.Context(), scope, chi.URLParam(r, "slug"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeList(w, secrets, len(secrets), start)
}

// PutSecret stores or rotates a declared secret.
// PUT /api/v1/admin/connectors/{slug}/secrets/{name}
func (h *ConnectorHandler) PutSecret(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req secretRequest
	if err := readJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	st, err := h.svc.SetSecret(r.Context(), scope, chi.URLParam(r, "slug"), chi.URLParam(r, "name"), req.Value)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DeleteSecret removes a stored secret.
// DELETE /api/v1/admin/connectors/{slug}/secrets/{name}
func (h *ConnectorHandler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := h.svc.DeleteSecret(r.Context(), scope, chi.URLParam(r, "slug"), chi.URLParam(r, "name")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// OpenAPI
// ---------------------------------------------------------------------------

// ServeOpenAPI returns the connector's OpenAPI 3.1 document as JSON, or as
// YAML with ?format=yaml.
// GET /api/v1/admin/connectors/{slug}/openapi
func (h *ConnectorHandler) ServeOpenAPI(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	slug := chi.URLParam(r, "slug")
	c, err := h.svc.Get(r.Context(), scope, slug)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	eps, err := h.svc.ListEndpoints(r.Context(), scope, slug)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	doc, err := openapi.GenerateConnectorSpec(c, eps, h.baseURL)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	body, contentType, err := openapi.Render(doc, queryString(r, "format"))
	if err != nil {
		writeAPIError(w, apierr.NewValidation("unsupported format", map[string]string{"format": "must be json or yaml"}))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
