// Package service holds the API key, plan, and admin identity services.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
)

// KeyPrefix starts every raw gateway API key.
const KeyPrefix = "slc_"

// displayPrefixLen is how much of a raw key is kept for identification.
const displayPrefixLen = 12

// touchInterval bounds how often a key's last-used time is written.
const touchInterval = time.Minute

// IssueRequest describes a new API key.
type IssueRequest struct {
	Label            string     `json:"label"`
	ConnectorID      *int64     `json:"connector_id,omitempty"`
	PlanID           *int64     `json:"plan_id,omitempty"`
	AllowedEndpoints []int64    `json:"allowed_endpoints,omitempty"`
	AllowedIPs       []string   `json:"allowed_ips,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// KeyService issues, validates, rotates, and revokes gateway API keys, and
// manages the plans attached to them.
type KeyService struct {
	store  *store.Store
	logger *slog.Logger

	// touching holds key IDs with a last-used write in progress.
	touching sync.Map
}

// NewKeyService creates a key service over st.
func NewKeyService(st *store.Store, logger *slog.Logger) *KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{store: st, logger: logger}
}

// LooksLikeKey reports whether s has the raw API key shape.
func LooksLikeKey(s string) bool {
	return strings.HasPrefix(s, KeyPrefix) && len(s) == len(KeyPrefix)+64
}

func generateKey() (raw, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = KeyPrefix + hex.EncodeToString(b)
	return raw, raw[:displayPrefixLen], nil
}

// Issue creates a key owned by owner. The raw key is returned once and never
// stored.
func (s *KeyService) Issue(ctx context.Context, owner model.Scope, req IssueRequest) (*model.APIKey, string, error) {
	if err := owner.Validate(); err != nil {
		return nil, "", apierr.New(apierr.Forbidden, "caller has no scope", err)
	}
	if err := s.checkBindings(ctx, owner, req); err != nil {
		return nil, "", err
	}

	raw, prefix, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	key := &model.APIKey{
		Scope:            owner,
		KeyHash:          store.HashAPIKey(raw),
		KeyPrefix:        prefix,
		Label:            req.Label,
		ConnectorID:      req.ConnectorID,
		PlanID:           req.PlanID,
		AllowedEndpoints: req.AllowedEndpoints,
		AllowedIPs:       req.AllowedIPs,
		ExpiresAt:        req.ExpiresAt,
		Status:           model.KeyActive,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	s.logger.Info("api key issued", "scope", owner.Key(), "id", key.ID, "prefix", prefix)
	return key, raw, nil
}

func (s *KeyService) checkBindings(ctx context.Context, owner model.Scope, req IssueRequest) error {
	fields := map[string]string{}
	if req.ConnectorID != nil {
		c, err := s.store.GetConnector(ctx, *req.ConnectorID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fields["connector_id"] = "unknown connector"
		case err != nil:
			return err
		case c.Scope != owner && c.Visibility != model.VisibilityPublic:
			fields["connector_id"] = "unknown connector"
		}
	}
	if req.PlanID != nil {
		p, err := s.store.GetPlan(ctx, *req.PlanID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fields["plan_id"] = "unknown plan"
		case err != nil:
			return err
		case p.Scope != owner:
			fields["plan_id"] = "unknown plan"
		}
	}
	for _, entry := range req.AllowedIPs {
		if !validIPEntry(entry) {
			fields["allowed_ips"] = fmt.Sprintf("%q is not an IP or CIDR", entry)
			break
		}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		fields["expires_at"] = "must be in the future"
	}
	if len(fields) > 0 {
		return apierr.NewValidation("invalid api key", fields)
	}
	return nil
}

func validIPEntry(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// Validate authenticates a raw key and loads its plan. Keys past their
// expiry are marked expired on first use.
func (s *KeyService) Validate(ctx context.Context, rawKey string, now time.Time) (*model.Principal, error) {
	if !LooksLikeKey(rawKey) {
		return nil, apierr.New(apierr.Unauthenticated, "invalid api key", nil)
	}
	key, err := s.store.GetAPIKeyByHash(ctx, store.HashAPIKey(rawKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.Unauthenticated, "invalid api key", nil)
	}
	if err != nil {
		return nil, err
	}

	switch key.Status {
	case model.KeyRevoked:
		return nil, apierr.New(apierr.Unauthenticated, "api key revoked", nil)
	case model.KeyExpired:
		return nil, apierr.New(apierr.Unauthenticated, "api key expired", nil)
	}
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		if err := s.store.ExpireAPIKey(ctx, key.ID); err != nil {
			s.logger.Warn("failed to mark api key expired", "id", key.ID, "error", err)
		}
		return nil, apierr.New(apierr.Unauthenticated, "api key expired", nil)
	}

	p := &model.Principal{Key: key}
	if key.PlanID != nil {
		plan, err := s.store.GetPlan(ctx, *key.PlanID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		p.Plan = plan
	}

	s.touch(ctx, key, now)
	return p, nil
}

// touch records key use at most once per touchInterval. Concurrent requests
// for the same key skip the write while one is in flight.
func (s *KeyService) touch(ctx context.Context, key *model.APIKey, now time.Time) {
	if key.LastUsedAt != nil && now.Sub(*key.LastUsedAt) < touchInterval {
		return
	}
	if _, busy := s.touching.LoadOrStore(key.ID, struct{}{}); busy {
		return
	}
	defer s.touching.Delete(key.ID)

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.store.TouchAPIKey(tctx, key.ID, now); err != nil {
		s.logger.Warn("failed to record api key use", "id", key.ID, "error", err)
	}
}

// Rotate replaces an active key with a fresh one carrying the same bindings.
// The old key stops working in the same transaction.
func (s *KeyService) Rotate(ctx context.Context, owner model.Scope, keyID int64) (*model.APIKey, string, error) {
	raw, prefix, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	next := &model.APIKey{KeyHash: store.HashAPIKey(raw), KeyPrefix: prefix}
	if err := s.store.RotateAPIKey(ctx, owner, keyID, next); err != nil {
		return nil, "", keyError(err, "only active keys can be rotated")
	}
	s.logger.Info("api key rotated", "scope", owner.Key(), "old_id", keyID, "new_id", next.ID)
	return next, raw, nil
}

// Revoke disables an active key owned by owner.
func (s *KeyService) Revoke(ctx context.Context, owner model.Scope, keyID int64) error {
	if err := s.store.RevokeAPIKey(ctx, owner, keyID); err != nil {
		return keyError(err, "api key is not active")
	}
	s.logger.Info("api key revoked", "scope", owner.Key(), "id", keyID)
	return nil
}

// List returns the keys owned by owner.
func (s *KeyService) List(ctx context.Context, owner model.Scope) ([]*model.APIKey, error) {
	return s.store.ListAPIKeys(ctx, owner)
}

func keyError(err error, conflict string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.NewNotFound("api key")
	case errors.Is(err, store.ErrConflict):
		return apierr.New(apierr.Conflict, conflict, nil)
	}
	return err
}
