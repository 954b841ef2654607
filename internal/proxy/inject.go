package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/faucetdb/sluice/internal/authstrategy"
	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/vault"
)

// SecretOpener decrypts vault entries.
type SecretOpener interface {
	Open(ctx context.Context, key string) (string, error)
}

// Injector loads a connector's declared secrets and applies its auth
// strategy to an outgoing request.
type Injector struct {
	secrets    SecretOpener
	strategies *authstrategy.Registry
}

// NewInjector creates an injector.
func NewInjector(secrets SecretOpener, strategies *authstrategy.Registry) *Injector {
	return &Injector{secrets: secrets, strategies: strategies}
}

// Injection describes what Inject did to a request.
type Injection struct {
	// Missing names declared secrets that are not configured.
	Missing []string
	// Values holds the plaintext of every secret handed to the strategy.
	// Responses are scrubbed of these before they reach the caller.
	Values []string
}

// Inject decrypts every declared secret of c and runs its strategy on req.
// Secrets that are not configured are skipped and reported in Missing; the
// strategy decides how to proceed without them.
func (in *Injector) Inject(ctx context.Context, req *http.Request, c *model.Connector) (Injection, error) {
	secrets := authstrategy.Secrets{}
	var inj Injection
	for _, name := range connector.DeclaredSecrets(c) {
		val, err := in.secrets.Open(ctx, vault.SecretKey(c.Scope, c.Slug, name))
		if errors.Is(err, vault.ErrNotFound) {
			inj.Missing = append(inj.Missing, name)
			continue
		}
		if err != nil {
			return inj, fmt.Errorf("open secret %q: %w", name, err)
		}
		secrets[name] = val
		if val != "" {
			inj.Values = append(inj.Values, val)
		}
	}
	if err := in.strategies.Inject(c.AuthType, req, c.Auth, secrets); err != nil {
		return inj, fmt.Errorf("inject credentials: %w", err)
	}
	return inj, nil
}

// Authenticate injects credentials into a health probe.
func (in *Injector) Authenticate(ctx context.Context, req *http.Request, c *model.Connector) error {
	_, err := in.Inject(ctx, req, c)
	return err
}
