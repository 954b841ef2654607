package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/faucetdb/sluice/internal/apierr"
)

// RateLimit caps admin API requests per client IP per minute. Gateway
// traffic is limited per API key by the quota package instead. Rejections
// use the same JSON error envelope as every other admin error.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(requestsPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			apierr.Write(w, &apierr.Error{
				Kind:       apierr.RateLimited,
				Message:    "admin request rate exceeded",
				RetryAfter: time.Minute,
			})
		}),
	)
}
