// Package connector resolves (scope, slug) pairs to connector definitions and
// owns every admin mutation of connectors, endpoints, and their secrets so
// that the resolver cache is invalidated on each write.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
)

// ErrNotFound is returned when no connector exists for a (scope, slug) pair.
var ErrNotFound = errors.New("connector not found")

// Store is the subset of the persistence layer the resolver reads.
type Store interface {
	GetConnectorBySlug(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error)
	ListEndpoints(ctx context.Context, connectorID int64) ([]*model.Endpoint, error)
}

// Resolved is a connector with its endpoints and their compiled body
// constraints. Resolved values are shared between requests and must not be
// mutated.
type Resolved struct {
	Connector   *model.Connector
	Endpoints   []*model.Endpoint
	constraints map[int64]*BodyConstraints
}

// Constraints returns the compiled body constraints of an endpoint, or nil.
func (r *Resolved) Constraints(endpointID int64) *BodyConstraints {
	return r.constraints[endpointID]
}

// Match finds the endpoint for method and path. Literal segments win over
// template parameters.
func (r *Resolved) Match(method, path string) (*model.Endpoint, map[string]string, bool) {
	return MatchEndpoint(r.Endpoints, method, path)
}

// Resolver caches connector lookups per (scope, slug). Entries live until
// explicitly invalidated.
type Resolver struct {
	store Store

	mu    sync.RWMutex
	cache map[string]*Resolved
	// gen is bumped by every invalidation. A load only fills the cache if
	// no invalidation happened while it read the store.
	gen uint64
}

// NewResolver creates a resolver reading from s.
func NewResolver(s Store) *Resolver {
	return &Resolver{store: s, cache: make(map[string]*Resolved)}
}

func cacheKey(scope model.Scope, slug string) string {
	return scope.Key() + "/" + slug
}

// Resolve returns the connector owned by scope with the given slug.
func (r *Resolver) Resolve(ctx context.Context, scope model.Scope, slug string) (*model.Connector, error) {
	res, err := r.ResolveWithEndpoints(ctx, scope, slug)
	if err != nil {
		return nil, err
	}
	return res.Connector, nil
}

// ResolveWithEndpoints returns the connector and all of its endpoints.
func (r *Resolver) ResolveWithEndpoints(ctx context.Context, scope model.Scope, slug string) (*Resolved, error) {
	key := cacheKey(scope, slug)

	r.mu.RLock()
	res, ok := r.cache[key]
	gen := r.gen
	r.mu.RUnlock()
	if ok {
		return res, nil
	}

	c, err := r.store.GetConnectorBySlug(ctx, scope, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connector: %w", err)
	}
	eps, err := r.store.ListEndpoints(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoints: %w", err)
	}

	res = &Resolved{Connector: c, Endpoints: eps, constraints: make(map[int64]*BodyConstraints)}
	for _, e := range eps {
		bc, err := CompileConstraints(e)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", e.ID, err)
		}
		if bc != nil {
			res.constraints[e.ID] = bc
		}
	}

	r.mu.Lock()
	if r.gen == gen {
		r.cache[key] = res
	}
	r.mu.Unlock()
	return res, nil
}

// Invalidate drops the cached entry for (scope, slug).
func (r *Resolver) Invalidate(scope model.Scope, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey(scope, slug))
	r.gen++
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*Resolved)
	r.gen++
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Visible reports whether caller may see the connector at all: it owns it,
// or the connector is public and published.
func Visible(c *model.Connector, caller model.Scope) bool {
	if c.Scope == caller {
		return true
	}
	return c.Visibility == model.VisibilityPublic && c.Status == model.StatusPublished
}

// Callable reports whether caller may send traffic through the connector.
// Owners may exercise drafts; everyone else needs public and published.
// Archived connectors serve nobody.
func Callable(c *model.Connector, caller model.Scope) bool {
	if c.Status == model.StatusArchived {
		return false
	}
	return Visible(c, caller)
}
