package authstrategy

import (
	"net/http"

	"github.com/faucetdb/sluice/internal/model"
)

// DefaultQueryParam is the parameter name used when none is configured.
const DefaultQueryParam = "key"

// QueryStrategy appends the secret as a URL query parameter. A missing secret
// adds nothing; the upstream's rejection becomes the observable error.
type QueryStrategy struct{}

func (QueryStrategy) Inject(req *http.Request, cfg model.AuthConfig, secrets Secrets) error {
	secret, ok := secrets[cfg.Secret]
	if !ok || secret == "" {
		return nil
	}
	param := cfg.Param
	if param == "" {
		param = DefaultQueryParam
	}
	q := req.URL.Query()
	q.Set(param, secret)
	req.URL.RawQuery = q.Encode()
	return nil
}
