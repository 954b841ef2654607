package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/faucetdb/sluice/internal/model"
)

// ---------------------------------------------------------------------------
// Connector CRUD
// ---------------------------------------------------------------------------

// connectorRow is a flat struct that maps 1:1 to the connectors table columns.
type connectorRow struct {
	ID              int64     `db:"id"`
	TeamID          *string   `db:"team_id"`
	OwnerID         *string   `db:"owner_id"`
	ScopeKey        string    `db:"scope_key"`
	Slug            string    `db:"slug"`
	Name            string    `db:"name"`
	Description     string    `db:"description"`
	BaseURL         string    `db:"base_url"`
	AllowedHosts    string    `db:"allowed_hosts"`
	SecretRefs      string    `db:"secret_refs"`
	AuthType        string    `db:"auth_type"`
	AuthConfig      string    `db:"auth_config"`
	HealthCheckPath string    `db:"health_check_path"`
	Visibility      string    `db:"visibility"`
	Status          string    `db:"status"`
	Version         int       `db:"version"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func connectorRowFromModel(c *model.Connector) connectorRow {
	team, owner := scopeColumns(c.Scope)
	auth, _ := json.Marshal(c.Auth)
	return connectorRow{
		ID:              c.ID,
		TeamID:          team,
		OwnerID:         owner,
		ScopeKey:        c.Scope.Key(),
		Slug:            c.Slug,
		Name:            c.Name,
		Description:     c.Description,
		BaseURL:         c.BaseURL,
		AllowedHosts:    encodeJSON(c.AllowedHosts),
		SecretRefs:      encodeJSON(c.SecretRefs),
		AuthType:        c.AuthType,
		AuthConfig:      string(auth),
		HealthCheckPath: c.HealthCheckPath,
		Visibility:      string(c.Visibility),
		Status:          string(c.Status),
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (r connectorRow) toModel() *model.Connector {
	var auth model.AuthConfig
	if r.AuthConfig != "" {
		_ = json.Unmarshal([]byte(r.AuthConfig), &auth)
	}
	return &model.Connector{
		ID:              r.ID,
		Scope:           scopeFromColumns(r.TeamID, r.OwnerID),
		Slug:            r.Slug,
		Name:            r.Name,
		Description:     r.Description,
		BaseURL:         r.BaseURL,
		AllowedHosts:    decodeStrings(r.AllowedHosts),
		SecretRefs:      decodeStrings(r.SecretRefs),
		AuthType:        r.AuthType,
		Auth:            auth,
		HealthCheckPath: r.HealthCheckPath,
		Visibility:      model.Visibility(r.Visibility),
		Status:          model.ConnectorStatus(r.Status),
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// CreateConnector inserts a new connector in draft status at version 1. The
// ID and timestamps on c are populated after a successful insert.
func (s *Store) CreateConnector(ctx context.Context, c *model.Connector) error {
	t := now()
	c.CreatedAt, c.UpdatedAt = t, t
	c.Status = model.StatusDraft
	c.Version = 1

	const q = `INSERT INTO connectors
		(team_id, owner_id, scope_key, slug, name, description, base_url, allowed_hosts, secret_refs,
		 auth_type, auth_config, health_check_path, visibility, status, version, created_at, updated_at)
		VALUES
		(:team_id, :owner_id, :scope_key, :slug, :name, :description, :base_url, :allowed_hosts, :secret_refs,
		 :auth_type, :auth_config, :health_check_path, :visibility, :status, :version, :created_at, :updated_at)`

	id, err := insertID(ctx, s.db, q, connectorRowFromModel(c))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert connector: %w", err)
	}
	c.ID = id
	return nil
}

// GetConnector returns a connector by ID.
func (s *Store) GetConnector(ctx context.Context, id int64) (*model.Connector, error) {
	var row connectorRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM connectors WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connector: %w", err)
	}
	return row.toModel(), nil
}

// GetConnectorBySlug returns the connector owned by scope with the given slug.
func (s *Store) GetConnectorBySlug(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error) {
	var row connectorRow
	q := s.db.Rebind("SELECT * FROM connectors WHERE scope_key = ? AND slug = ?")
	if err := s.db.GetContext(ctx, &row, q, scope.Key(), slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connector by slug: %w", err)
	}
	return row.toModel(), nil
}

// ListConnectors returns the connectors owned by scope. A zero scope lists
// every connector. An empty status matches every status.
func (s *Store) ListConnectors(ctx context.Context, scope model.Scope, status model.ConnectorStatus) ([]*model.Connector, error) {
	q := "SELECT * FROM connectors WHERE 1 = 1"
	var args []interface{}
	if !scope.IsZero() {
		q += " AND scope_key = ?"
		args = append(args, scope.Key())
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY scope_key, slug"

	var rows []connectorRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	out := make([]*model.Connector, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// UpdateConnector rewrites the mutable fields of a non-archived connector and
// increments its version. Scope, slug, and status are not changed.
func (s *Store) UpdateConnector(ctx context.Context, c *model.Connector) error {
	c.UpdatedAt = now()
	row := connectorRowFromModel(c)

	const q = `UPDATE connectors SET
		name = :name, description = :description, base_url = :base_url, allowed_hosts = :allowed_hosts,
		secret_refs = :secret_refs, auth_type = :auth_type, auth_config = :auth_config,
		health_check_path = :health_check_path, visibility = :visibility,
		version = version + 1, updated_at = :updated_at
		WHERE id = :id AND status <> 'archived'`

	n, err := namedExec(ctx, s.db, q, row)
	if err != nil {
		return fmt.Errorf("update connector: %w", err)
	}
	if n == 0 {
		return s.missingOrConflict(ctx, c.ID)
	}
	return nil
}

// PublishConnector moves a draft connector to published and increments its
// version. The precondition (draft with at least one enabled endpoint) is
// checked by the UPDATE itself.
func (s *Store) PublishConnector(ctx context.Context, id int64) error {
	const q = `UPDATE connectors SET status = 'published', version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'draft'
		AND EXISTS (SELECT 1 FROM endpoints e WHERE e.connector_id = connectors.id AND e.enabled = ?)`

	n, err := exec(ctx, s.db, q, now(), id, true)
	if err != nil {
		return fmt.Errorf("publish connector: %w", err)
	}
	if n > 0 {
		return nil
	}

	c, err := s.GetConnector(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != model.StatusDraft {
		return ErrConflict
	}
	return ErrNoEnabledEndpoint
}

// SetConnectorStatus performs a conditional status transition. It returns
// ErrConflict when the connector is not in one of the from states.
func (s *Store) SetConnectorStatus(ctx context.Context, id int64, to model.ConnectorStatus, from ...model.ConnectorStatus) error {
	q := "UPDATE connectors SET status = ?, updated_at = ? WHERE id = ?"
	args := []interface{}{string(to), now(), id}
	if len(from) > 0 {
		q += " AND status IN ("
		for i, f := range from {
			if i > 0 {
				q += ", "
			}
			q += "?"
			args = append(args, string(f))
		}
		q += ")"
	}

	n, err := exec(ctx, s.db, q, args...)
	if err != nil {
		return fmt.Errorf("set connector status: %w", err)
	}
	if n == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *Store) missingOrConflict(ctx context.Context, id int64) error {
	if _, err := s.GetConnector(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// ---------------------------------------------------------------------------
// Endpoint CRUD
// ---------------------------------------------------------------------------

type endpointRow struct {
	ID            int64     `db:"id"`
	ConnectorID   int64     `db:"connector_id"`
	Method        string    `db:"method"`
	Path          string    `db:"path"`
	UpstreamPath  string    `db:"upstream_path"`
	ContentType   string    `db:"content_type"`
	Summary       string    `db:"summary"`
	BodySchema    string    `db:"body_schema"`
	BodyBlacklist string    `db:"body_blacklist"`
	BodyPattern   string    `db:"body_pattern"`
	CacheTTL      int       `db:"cache_ttl_seconds"`
	RateLimit     int       `db:"rate_limit"`
	TimeoutMs     int       `db:"timeout_ms"`
	Enabled       bool      `db:"enabled"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func endpointRowFromModel(e *model.Endpoint) endpointRow {
	return endpointRow{
		ID:            e.ID,
		ConnectorID:   e.ConnectorID,
		Method:        e.Method,
		Path:          e.Path,
		UpstreamPath:  e.UpstreamPath,
		ContentType:   e.ContentType,
		Summary:       e.Summary,
		BodySchema:    string(e.BodySchema),
		BodyBlacklist: encodeJSON(e.BodyBlacklist),
		BodyPattern:   e.BodyPattern,
		CacheTTL:      e.CacheTTL,
		RateLimit:     e.RateLimit,
		TimeoutMs:     e.TimeoutMs,
		Enabled:       e.Enabled,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func (r endpointRow) toModel() *model.Endpoint {
	e := &model.Endpoint{
		ID:           r.ID,
		ConnectorID:  r.ConnectorID,
		Method:       r.Method,
		Path:         r.Path,
		UpstreamPath: r.UpstreamPath,
		ContentType:  r.ContentType,
		Summary:      r.Summary,
		BodyPattern:  r.BodyPattern,
		CacheTTL:     r.CacheTTL,
		RateLimit:    r.RateLimit,
		TimeoutMs:    r.TimeoutMs,
		Enabled:      r.Enabled,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.BodySchema != "" {
		e.BodySchema = json.RawMessage(r.BodySchema)
	}
	if bl := decodeStrings(r.BodyBlacklist); len(bl) > 0 {
		e.BodyBlacklist = bl
	}
	return e
}

// CreateEndpoint inserts a new endpoint. (connector_id, method, path) is unique.
func (s *Store) CreateEndpoint(ctx context.Context, e *model.Endpoint) error {
	t := now()
	e.CreatedAt, e.UpdatedAt = t, t

	const q = `INSERT INTO endpoints
		(connector_id, method, path, upstream_path, content_type, summary, body_schema, body_blacklist,
		 body_pattern, cache_ttl_seconds, rate_limit, timeout_ms, enabled, created_at, updated_at)
		VALUES
		(:connector_id, :method, :path, :upstream_path, :content_type, :summary, :body_schema, :body_blacklist,
		 :body_pattern, :cache_ttl_seconds, :rate_limit, :timeout_ms, :enabled, :created_at, :updated_at)`

	id, err := insertID(ctx, s.db, q, endpointRowFromModel(e))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert endpoint: %w", err)
	}
	e.ID = id
	return nil
}

// GetEndpoint returns an endpoint by ID.
func (s *Store) GetEndpoint(ctx context.Context, id int64) (*model.Endpoint, error) {
	var row endpointRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM endpoints WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return row.toModel(), nil
}

// ListEndpoints returns every endpoint of a connector ordered by path.
func (s *Store) ListEndpoints(ctx context.Context, connectorID int64) ([]*model.Endpoint, error) {
	var rows []endpointRow
	q := s.db.Rebind("SELECT * FROM endpoints WHERE connector_id = ? ORDER BY path, method")
	if err := s.db.SelectContext(ctx, &rows, q, connectorID); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	out := make([]*model.Endpoint, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// UpdateEndpoint rewrites an endpoint in place.
func (s *Store) UpdateEndpoint(ctx context.Context, e *model.Endpoint) error {
	e.UpdatedAt = now()

	const q = `UPDATE endpoints SET
		method = :method, path = :path, upstream_path = :upstream_path, content_type = :content_type,
		summary = :summary, body_schema = :body_schema, body_blacklist = :body_blacklist,
		body_pattern = :body_pattern, cache_ttl_seconds = :cache_ttl_seconds, rate_limit = :rate_limit,
		timeout_ms = :timeout_ms, enabled = :enabled, updated_at = :updated_at
		WHERE id = :id AND connector_id = :connector_id`

	n, err := namedExec(ctx, s.db, q, endpointRowFromModel(e))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update endpoint: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
