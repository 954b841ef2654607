package middleware

import (
	"net/http"
	"strings"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/service"
)

// Authenticate returns an HTTP middleware that requires an identity bearer
// token in the Authorization header. On success the verified Identity is
// attached to the request context; otherwise a 401 error envelope is written.
func Authenticate(ids *service.IdentityService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				apierr.Write(w, apierr.New(apierr.Unauthenticated,
					"Authentication required. Provide an identity Bearer token.", nil))
				return
			}
			id, err := ids.Verify(strings.TrimSpace(token))
			if err != nil {
				apierr.Write(w, apierr.New(apierr.Unauthenticated, "Invalid token", nil))
				return
			}
			next.ServeHTTP(w, r.WithContext(service.WithIdentity(r.Context(), id)))
		})
	}
}
