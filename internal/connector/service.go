package connector

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/authstrategy"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
	"github.com/faucetdb/sluice/internal/vault"
)

// Service is the only write path for connectors, endpoints, and connector
// secrets. Every successful mutation invalidates the resolver entry before
// returning.
type Service struct {
	store      *store.Store
	vault      *vault.Vault
	resolver   *Resolver
	strategies *authstrategy.Registry
	logger     *slog.Logger
}

// NewService wires the connector admin service.
func NewService(st *store.Store, v *vault.Vault, r *Resolver, strategies *authstrategy.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, vault: v, resolver: r, strategies: strategies, logger: logger}
}

// Resolver returns the cache this service invalidates.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

func (s *Service) knownStrategy(name string) bool {
	if s.strategies == nil {
		return true
	}
	_, ok := s.strategies.Lookup(name)
	return ok
}

// ─── Connectors ─────────────────────────────────────────────────────────────

// Create validates and inserts a draft connector owned by scope.
func (s *Service) Create(ctx context.Context, scope model.Scope, c *model.Connector) (*model.Connector, error) {
	if err := scope.Validate(); err != nil {
		return nil, apierr.New(apierr.Forbidden, "caller has no scope", err)
	}
	c.Scope = scope
	if err := ValidateConnector(c, s.knownStrategy); err != nil {
		return nil, err
	}
	if err := s.store.CreateConnector(ctx, c); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apierr.Newf(apierr.Conflict, "connector %q already exists", c.Slug)
		}
		return nil, err
	}
	s.resolver.Invalidate(scope, c.Slug)
	s.logger.Info("connector created", "scope", scope.Key(), "slug", c.Slug, "id", c.ID)
	return c, nil
}

// Get returns a connector owned by scope. Connectors of other scopes are
// reported as not found.
func (s *Service) Get(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error) {
	c, err := s.store.GetConnectorBySlug(ctx, scope, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NewNotFound("connector")
	}
	return c, err
}

// List returns the connectors owned by scope.
func (s *Service) List(ctx context.Context, scope model.Scope) ([]*model.Connector, error) {
	return s.store.ListConnectors(ctx, scope, "")
}

// Update loads the connector, applies mutate, re-validates, and stores the
// result with an incremented version. Identity and lifecycle fields cannot be
// changed through mutate.
func (s *Service) Update(ctx context.Context, scope model.Scope, slug string, mutate func(*model.Connector) error) (*model.Connector, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	id, status, version, created := c.ID, c.Status, c.Version, c.CreatedAt
	if err := mutate(c); err != nil {
		return nil, apierr.New(apierr.ValidationFailed, "invalid connector update", err)
	}
	c.ID, c.Scope, c.Slug, c.Status, c.Version, c.CreatedAt = id, scope, slug, status, version, created

	if err := ValidateConnector(c, s.knownStrategy); err != nil {
		return nil, err
	}
	if err := s.store.UpdateConnector(ctx, c); err != nil {
		return nil, s.lifecycleError(err, "connector is archived")
	}
	s.resolver.Invalidate(scope, slug)
	return s.store.GetConnector(ctx, id)
}

// Publish moves a draft connector with at least one enabled endpoint to
// published, incrementing its version.
func (s *Service) Publish(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	if err := s.store.PublishConnector(ctx, c.ID); err != nil {
		if errors.Is(err, store.ErrNoEnabledEndpoint) {
			return nil, apierr.NewValidation("connector must have an enabled endpoint before publishing",
				map[string]string{"endpoints": "must have enabled endpoint"})
		}
		return nil, s.lifecycleError(err, "only draft connectors can be published")
	}
	s.resolver.Invalidate(scope, slug)
	s.logger.Info("connector published", "scope", scope.Key(), "slug", slug)
	return s.store.GetConnector(ctx, c.ID)
}

// Unpublish returns a published connector to draft.
func (s *Service) Unpublish(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error) {
	return s.transition(ctx, scope, slug, model.StatusDraft, "only published connectors can be unpublished", model.StatusPublished)
}

// Archive retires a connector permanently.
func (s *Service) Archive(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error) {
	return s.transition(ctx, scope, slug, model.StatusArchived, "connector is already archived", model.StatusDraft, model.StatusPublished)
}

func (s *Service) transition(ctx context.Context, scope model.Scope, slug string, to model.ConnectorStatus, conflict string, from ...model.ConnectorStatus) (*model.Connector, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetConnectorStatus(ctx, c.ID, to, from...); err != nil {
		return nil, s.lifecycleError(err, conflict)
	}
	s.resolver.Invalidate(scope, slug)
	s.logger.Info("connector status changed", "scope", scope.Key(), "slug", slug, "status", to)
	return s.store.GetConnector(ctx, c.ID)
}

func (s *Service) lifecycleError(err error, conflict string) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return apierr.New(apierr.Conflict, conflict, nil)
	case errors.Is(err, store.ErrNotFound):
		return apierr.NewNotFound("connector")
	}
	return err
}

// ─── Endpoints ──────────────────────────────────────────────────────────────

// ListEndpoints returns the endpoints of a connector owned by scope.
func (s *Service) ListEndpoints(ctx context.Context, scope model.Scope, slug string) ([]*model.Endpoint, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	return s.store.ListEndpoints(ctx, c.ID)
}

// CreateEndpoint adds an endpoint to a non-archived connector.
func (s *Service) CreateEndpoint(ctx context.Context, scope model.Scope, slug string, e *model.Endpoint) (*model.Endpoint, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	if c.Status == model.StatusArchived {
		return nil, apierr.New(apierr.Conflict, "connector is archived", nil)
	}
	e.ConnectorID = c.ID
	if err := ValidateEndpoint(e); err != nil {
		return nil, err
	}
	if err := s.store.CreateEndpoint(ctx, e); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apierr.Newf(apierr.Conflict, "endpoint %s %s already exists", e.Method, e.Path)
		}
		return nil, err
	}
	s.resolver.Invalidate(scope, slug)
	return e, nil
}

// UpdateEndpoint applies mutate to an existing endpoint and stores it.
func (s *Service) UpdateEndpoint(ctx context.Context, scope model.Scope, slug string, id int64, mutate func(*model.Endpoint) error) (*model.Endpoint, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	if c.Status == model.StatusArchived {
		return nil, apierr.New(apierr.Conflict, "connector is archived", nil)
	}
	e, err := s.store.GetEndpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && e.ConnectorID != c.ID) {
		return nil, apierr.NewNotFound("endpoint")
	}
	if err != nil {
		return nil, err
	}
	created := e.CreatedAt
	if err := mutate(e); err != nil {
		return nil, apierr.New(apierr.ValidationFailed, "invalid endpoint update", err)
	}
	e.ID, e.ConnectorID, e.CreatedAt = id, c.ID, created
	if err := ValidateEndpoint(e); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEndpoint(ctx, e); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apierr.Newf(apierr.Conflict, "endpoint %s %s already exists", e.Method, e.Path)
		}
		return nil, err
	}
	s.resolver.Invalidate(scope, slug)
	return e, nil
}

// ─── Secrets ────────────────────────────────────────────────────────────────

// DeclaredSecrets returns the secret names a connector uses: its declared
// references plus those named by its auth configuration, sorted.
func DeclaredSecrets(c *model.Connector) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{c.SecretRefs, authstrategy.Refs(c.AuthType, c.Auth)} {
		for _, name := range list {
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func declaredSet(c *model.Connector) map[string]bool {
	out := map[string]bool{}
	for _, name := range DeclaredSecrets(c) {
		out[name] = true
	}
	return out
}

// ListSecrets reports every declared or stored secret of a connector. Only
// configuration state and timestamps are returned.
func (s *Service) ListSecrets(ctx context.Context, scope model.Scope, slug string) ([]model.SecretStatus, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	stored, err := s.vault.List(ctx, vault.ConnectorPrefix(scope, slug))
	if err != nil {
		return nil, err
	}
	byName := map[string]model.SecretStatus{}
	for _, st := range stored {
		byName[st.Name] = st
	}
	for _, name := range DeclaredSecrets(c) {
		if _, ok := byName[name]; !ok {
			byName[name] = model.SecretStatus{Name: name}
		}
	}
	out := make([]model.SecretStatus, 0, len(byName))
	for _, st := range byName {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetSecret encrypts and stores a declared secret. Writing an existing
// secret rotates it.
func (s *Service) SetSecret(ctx context.Context, scope model.Scope, slug, name, value string) (model.SecretStatus, error) {
	c, err := s.Get(ctx, scope, slug)
	if err != nil {
		return model.SecretStatus{}, err
	}
	if err := ValidateSecretName(name); err != nil {
		return model.SecretStatus{}, err
	}
	if !declaredSet(c)[name] {
		return model.SecretStatus{}, apierr.NewValidation("secret is not declared by the connector",
			map[string]string{"name": "add it to secret_refs first"})
	}
	if value == "" {
		return model.SecretStatus{}, apierr.NewValidation("secret value is required", map[string]string{"value": "must not be empty"})
	}

	key := vault.SecretKey(scope, slug, name)
	if err := s.vault.Put(ctx, key, value); err != nil {
		return model.SecretStatus{}, err
	}
	s.resolver.Invalidate(scope, slug)
	s.logger.Info("connector secret written", "scope", scope.Key(), "slug", slug, "secret", name)

	st, err := s.vault.Status(ctx, key)
	st.Name = name
	return st, err
}

// DeleteSecret removes a stored secret.
func (s *Service) DeleteSecret(ctx context.Context, scope model.Scope, slug, name string) error {
	if _, err := s.Get(ctx, scope, slug); err != nil {
		return err
	}
	if err := s.vault.Delete(ctx, vault.SecretKey(scope, slug, name)); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return apierr.NewNotFound("secret")
		}
		return err
	}
	s.resolver.Invalidate(scope, slug)
	s.logger.Info("connector secret deleted", "scope", scope.Key(), "slug", slug, "secret", name)
	return nil
}
