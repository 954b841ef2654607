package handler

import (
	"net/http"
	"time"

	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/service"
)

// KeyHandler serves API key and plan admin routes.
type KeyHandler struct {
	keys *service.KeyService
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys *service.KeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

// issuedKey is returned once, when a key is created or rotated. The raw key
// cannot be retrieved again.
type issuedKey struct {
	APIKey string        `json:"api_key"`
	Key    *model.APIKey `json:"key"`
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// ListKeys returns the caller's API keys without secrets.
// GET /api/v1/admin/keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	keys, err := h.keys.List(r.Context(), scope)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if keys == nil {
		keys = []*model.APIKey{}
	}
	writeList(w, keys, len(keys), start)
}

// IssueKey creates a gateway API key. The raw key is only in this response.
// POST /api/v1/admin/keys
func (h *KeyHandler) IssueKey(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req service.IssueRequest
	if err := readJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	key, raw, err := h.keys.Issue(r.Context(), scope, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issuedKey{APIKey: raw, Key: key})
}

// RevokeKey revokes an API key.
// DELETE /api/v1/admin/keys/{keyID}
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	id, err := pathInt64(r, "keyID")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := h.keys.Revoke(r.Context(), scope, id); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKey replaces an active key with a new one carrying the same
// bindings and revokes the old key.
// POST /api/v1/admin/keys/{keyID}/rotate
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	id, err := pathInt64(r, "keyID")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	key, raw, err := h.keys.Rotate(r.Context(), scope, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issuedKey{APIKey: raw, Key: key})
}

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

// ListPlans returns the caller's plans.
// GET /api/v1/admin/plans
func (h *KeyHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	plans, err := h.keys.ListPlans(r.Context(), scope)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if plans == nil {
		plans = []*model.Plan{}
	}
	writeList(w, plans, len(plans), start)
}

// CreatePlan defines a quota plan.
// POST /api/v1/admin/plans
func (h *KeyHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var p model.Plan
	if err := readJSON(r, &p); err != nil {
		writeAPIError(w, err)
		return
	}
	created, err := h.keys.CreatePlan(r.Context(), scope, &p)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
