package authstrategy

import (
	"net/http"

	"github.com/faucetdb/sluice/internal/model"
)

// HeaderStrategy sets a header to prefix+secret. With no header configured it
// sends "Authorization: Bearer <secret>".
type HeaderStrategy struct{}

func (HeaderStrategy) Inject(req *http.Request, cfg model.AuthConfig, secrets Secrets) error {
	secret, ok := secrets[cfg.Secret]
	if !ok || secret == "" {
		return nil
	}
	header, prefix := cfg.Header, cfg.Prefix
	if header == "" {
		header = "Authorization"
		if prefix == "" {
			prefix = "Bearer "
		}
	}
	req.Header.Set(header, prefix+secret)
	return nil
}
