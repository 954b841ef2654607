package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/sluice/internal/model"
)

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

type apiKeyRow struct {
	ID               int64      `db:"id"`
	TeamID           *string    `db:"team_id"`
	OwnerID          *string    `db:"owner_id"`
	ScopeKey         string     `db:"scope_key"`
	KeyHash          string     `db:"key_hash"`
	KeyPrefix        string     `db:"key_prefix"`
	Label            string     `db:"label"`
	ConnectorID      *int64     `db:"connector_id"`
	PlanID           *int64     `db:"plan_id"`
	AllowedEndpoints string     `db:"allowed_endpoints"`
	AllowedIPs       string     `db:"allowed_ips"`
	ExpiresAt        *time.Time `db:"expires_at"`
	Status           string     `db:"status"`
	RotatedFrom      *int64     `db:"rotated_from"`
	CreatedAt        time.Time  `db:"created_at"`
	RevokedAt        *time.Time `db:"revoked_at"`
	LastUsedAt       *time.Time `db:"last_used_at"`
}

func apiKeyRowFromModel(k *model.APIKey) apiKeyRow {
	team, owner := scopeColumns(k.Scope)
	return apiKeyRow{
		ID:               k.ID,
		TeamID:           team,
		OwnerID:          owner,
		ScopeKey:         k.Scope.Key(),
		KeyHash:          k.KeyHash,
		KeyPrefix:        k.KeyPrefix,
		Label:            k.Label,
		ConnectorID:      k.ConnectorID,
		PlanID:           k.PlanID,
		AllowedEndpoints: encodeJSON(k.AllowedEndpoints),
		AllowedIPs:       encodeJSON(k.AllowedIPs),
		ExpiresAt:        k.ExpiresAt,
		Status:           string(k.Status),
		RotatedFrom:      k.RotatedFrom,
		CreatedAt:        k.CreatedAt,
		RevokedAt:        k.RevokedAt,
		LastUsedAt:       k.LastUsedAt,
	}
}

func (r apiKeyRow) toModel() *model.APIKey {
	k := &model.APIKey{
		ID:               r.ID,
		Scope:            scopeFromColumns(r.TeamID, r.OwnerID),
		KeyHash:          r.KeyHash,
		KeyPrefix:        r.KeyPrefix,
		Label:            r.Label,
		ConnectorID:      r.ConnectorID,
		PlanID:           r.PlanID,
		AllowedEndpoints: decodeIDs(r.AllowedEndpoints),
		ExpiresAt:        r.ExpiresAt,
		Status:           model.KeyStatus(r.Status),
		RotatedFrom:      r.RotatedFrom,
		CreatedAt:        r.CreatedAt,
		RevokedAt:        r.RevokedAt,
		LastUsedAt:       r.LastUsedAt,
	}
	if ips := decodeStrings(r.AllowedIPs); len(ips) > 0 {
		k.AllowedIPs = ips
	}
	return k
}

const insertAPIKeyQuery = `INSERT INTO api_keys
	(team_id, owner_id, scope_key, key_hash, key_prefix, label, connector_id, plan_id,
	 allowed_endpoints, allowed_ips, expires_at, status, rotated_from, created_at)
	VALUES
	(:team_id, :owner_id, :scope_key, :key_hash, :key_prefix, :label, :connector_id, :plan_id,
	 :allowed_endpoints, :allowed_ips, :expires_at, :status, :rotated_from, :created_at)`

// CreateAPIKey inserts a new active API key record. The key_hash must already
// be set (use HashAPIKey). The ID and CreatedAt fields are populated after insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	return createAPIKey(ctx, s.db, key)
}

func createAPIKey(ctx context.Context, q sqlx.ExtContext, key *model.APIKey) error {
	key.CreatedAt = now()
	if key.Status == "" {
		key.Status = model.KeyActive
	}
	id, err := insertID(ctx, q, insertAPIKeyQuery, apiKeyRowFromModel(key))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKey returns a key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM api_keys WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return row.toModel(), nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM api_keys WHERE key_hash = ?"), hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return row.toModel(), nil
}

// ListAPIKeys returns the keys owned by scope, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, scope model.Scope) ([]*model.APIKey, error) {
	var rows []apiKeyRow
	q := s.db.Rebind("SELECT * FROM api_keys WHERE scope_key = ? ORDER BY created_at DESC, id DESC")
	if err := s.db.SelectContext(ctx, &rows, q, scope.Key()); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	out := make([]*model.APIKey, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// RevokeAPIKey marks an active key owned by scope as revoked. It returns
// ErrNotFound for unknown or foreign keys and ErrConflict for keys that are
// no longer active.
func (s *Store) RevokeAPIKey(ctx context.Context, scope model.Scope, id int64) error {
	n, err := exec(ctx, s.db,
		"UPDATE api_keys SET status = 'revoked', revoked_at = ? WHERE id = ? AND scope_key = ? AND status = 'active'",
		now(), id, scope.Key())
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n > 0 {
		return nil
	}
	k, err := s.GetAPIKey(ctx, id)
	if err != nil || k.Scope != scope {
		return ErrNotFound
	}
	return ErrConflict
}

// ExpireAPIKey marks an active key as expired. Losing the race to a
// concurrent revoke is not an error.
func (s *Store) ExpireAPIKey(ctx context.Context, id int64) error {
	if _, err := exec(ctx, s.db, "UPDATE api_keys SET status = 'expired' WHERE id = ? AND status = 'active'", id); err != nil {
		return fmt.Errorf("expire api key: %w", err)
	}
	return nil
}

// TouchAPIKey sets the last_used_at timestamp for an API key.
func (s *Store) TouchAPIKey(ctx context.Context, id int64, at time.Time) error {
	n, err := exec(ctx, s.db, "UPDATE api_keys SET last_used_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateAPIKey replaces the active key oldID (owned by scope) with next in a
// single transaction. next inherits the old key's bindings. The new key is
// inserted before the old one is revoked; the revoke is conditional on the
// old key still being active, and zero affected rows rolls everything back
// with ErrConflict.
func (s *Store) RotateAPIKey(ctx context.Context, scope model.Scope, oldID int64, next *model.APIKey) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row apiKeyRow
	q := tx.Rebind("SELECT * FROM api_keys WHERE id = ? AND scope_key = ?")
	if err := tx.GetContext(ctx, &row, q, oldID, scope.Key()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get api key: %w", err)
	}
	old := row.toModel()

	next.Scope = old.Scope
	next.Label = old.Label
	next.ConnectorID = old.ConnectorID
	next.PlanID = old.PlanID
	next.AllowedEndpoints = old.AllowedEndpoints
	next.AllowedIPs = old.AllowedIPs
	next.ExpiresAt = old.ExpiresAt
	next.Status = model.KeyActive
	next.RotatedFrom = &old.ID
	if err := createAPIKey(ctx, tx, next); err != nil {
		return err
	}

	n, err := exec(ctx, tx,
		"UPDATE api_keys SET status = 'revoked', revoked_at = ? WHERE id = ? AND status = 'active'",
		now(), oldID)
	if err != nil {
		return fmt.Errorf("revoke rotated api key: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Plan CRUD
// ---------------------------------------------------------------------------

type planRow struct {
	ID                int64     `db:"id"`
	TeamID            *string   `db:"team_id"`
	OwnerID           *string   `db:"owner_id"`
	ScopeKey          string    `db:"scope_key"`
	Name              string    `db:"name"`
	Description       string    `db:"description"`
	RateLimit         int       `db:"rate_limit"`
	RateWindowSeconds int       `db:"rate_window_seconds"`
	Burst             int       `db:"burst"`
	DailyQuota        int64     `db:"daily_quota"`
	MonthlyQuota      int64     `db:"monthly_quota"`
	MaxRequestBytes   int64     `db:"max_request_bytes"`
	MaxResponseBytes  int64     `db:"max_response_bytes"`
	AllowedConnectors string    `db:"allowed_connectors"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func planRowFromModel(p *model.Plan) planRow {
	team, owner := scopeColumns(p.Scope)
	return planRow{
		ID:                p.ID,
		TeamID:            team,
		OwnerID:           owner,
		ScopeKey:          p.Scope.Key(),
		Name:              p.Name,
		Description:       p.Description,
		RateLimit:         p.RateLimit,
		RateWindowSeconds: p.RateWindowSeconds,
		Burst:             p.Burst,
		DailyQuota:        p.DailyQuota,
		MonthlyQuota:      p.MonthlyQuota,
		MaxRequestBytes:   p.MaxRequestBytes,
		MaxResponseBytes:  p.MaxResponseBytes,
		AllowedConnectors: encodeJSON(p.AllowedConnectors),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (r planRow) toModel() *model.Plan {
	return &model.Plan{
		ID:                r.ID,
		Scope:             scopeFromColumns(r.TeamID, r.OwnerID),
		Name:              r.Name,
		Description:       r.Description,
		RateLimit:         r.RateLimit,
		RateWindowSeconds: r.RateWindowSeconds,
		Burst:             r.Burst,
		DailyQuota:        r.DailyQuota,
		MonthlyQuota:      r.MonthlyQuota,
		MaxRequestBytes:   r.MaxRequestBytes,
		MaxResponseBytes:  r.MaxResponseBytes,
		AllowedConnectors: decodeIDs(r.AllowedConnectors),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// CreatePlan inserts a new plan. (scope, name) is unique.
func (s *Store) CreatePlan(ctx context.Context, p *model.Plan) error {
	t := now()
	p.CreatedAt, p.UpdatedAt = t, t
	if p.RateWindowSeconds <= 0 {
		p.RateWindowSeconds = 60
	}

	const q = `INSERT INTO plans
		(team_id, owner_id, scope_key, name, description, rate_limit, rate_window_seconds, burst,
		 daily_quota, monthly_quota, max_request_bytes, max_response_bytes, allowed_connectors,
		 created_at, updated_at)
		VALUES
		(:team_id, :owner_id, :scope_key, :name, :description, :rate_limit, :rate_window_seconds, :burst,
		 :daily_quota, :monthly_quota, :max_request_bytes, :max_response_bytes, :allowed_connectors,
		 :created_at, :updated_at)`

	id, err := insertID(ctx, s.db, q, planRowFromModel(p))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	p.ID = id
	return nil
}

// GetPlan returns a plan by ID.
func (s *Store) GetPlan(ctx context.Context, id int64) (*model.Plan, error) {
	var row planRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM plans WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return row.toModel(), nil
}

// ListPlans returns the plans owned by scope ordered by name.
func (s *Store) ListPlans(ctx context.Context, scope model.Scope) ([]*model.Plan, error) {
	var rows []planRow
	q := s.db.Rebind("SELECT * FROM plans WHERE scope_key = ? ORDER BY name")
	if err := s.db.SelectContext(ctx, &rows, q, scope.Key()); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	out := make([]*model.Plan, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
