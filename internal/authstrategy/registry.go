// Package authstrategy injects upstream credentials into outgoing requests.
// Each auth type is a Strategy registered by name; callers select one through
// the Registry and never branch on the concrete type.
package authstrategy

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/faucetdb/sluice/internal/model"
)

// Secrets maps secret reference names to plaintext values. Missing secrets
// are simply absent.
type Secrets map[string]string

// Strategy mutates an outgoing upstream request to carry credentials.
type Strategy interface {
	Inject(req *http.Request, cfg model.AuthConfig, secrets Secrets) error
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(req *http.Request, cfg model.AuthConfig, secrets Secrets) error

// Inject calls f.
func (f StrategyFunc) Inject(req *http.Request, cfg model.AuthConfig, secrets Secrets) error {
	return f(req, cfg, secrets)
}

// Registry holds the strategies available to connectors by auth type name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Default returns a registry with the built-in strategies. now supplies the
// signing clock; nil means time.Now.
func Default(now func() time.Time) *Registry {
	r := NewRegistry()
	header := HeaderStrategy{}
	r.Register(model.AuthNone, StrategyFunc(func(*http.Request, model.AuthConfig, Secrets) error { return nil }))
	r.Register(model.AuthQuery, QueryStrategy{})
	r.Register(model.AuthHeader, header)
	r.Register(model.AuthBearer, header)
	r.Register(model.AuthSigV4, NewSigV4Strategy(now))
	return r
}

// Register adds or replaces the strategy for name.
func (r *Registry) Register(name string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
}

// Lookup returns the strategy registered under name.
func (r *Registry) Lookup(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Inject runs the strategy registered under authType. An empty authType is
// treated as "none".
func (r *Registry) Inject(authType string, req *http.Request, cfg model.AuthConfig, secrets Secrets) error {
	if authType == "" {
		authType = model.AuthNone
	}
	s, ok := r.Lookup(authType)
	if !ok {
		return fmt.Errorf("unknown auth strategy %q", authType)
	}
	return s.Inject(req, cfg, secrets)
}

// Refs returns the secret reference names an auth config consumes.
func Refs(authType string, cfg model.AuthConfig) []string {
	candidates := []string{cfg.Secret}
	if authType == model.AuthSigV4 {
		candidates = []string{
			refOr(cfg.AccessKeySecret, DefaultAccessKeyRef),
			refOr(cfg.SecretKeySecret, DefaultSecretKeyRef),
			refOr(cfg.SessionTokenSecret, DefaultSessionTokenRef),
		}
	}
	var refs []string
	for _, r := range candidates {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}
