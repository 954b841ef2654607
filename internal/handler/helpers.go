package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/service"
)

// maxAdminBody caps admin request bodies.
const maxAdminBody = 1 << 20

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeList wraps items in the standard list envelope.
func writeList(w http.ResponseWriter, items interface{}, count int, start time.Time) {
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: items,
		Meta: &model.ResponseMeta{
			Count:  count,
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// writeAPIError renders err in the standard error envelope. Unclassified
// errors become a generic 500.
func writeAPIError(w http.ResponseWriter, err error) {
	apierr.Write(w, err)
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(v); err != nil {
		return apierr.New(apierr.ValidationFailed, "Invalid request body: "+err.Error(), err)
	}
	return nil
}

// readBody returns the raw request body, bounded by maxAdminBody.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return nil, apierr.New(apierr.ValidationFailed, "could not read request body", err)
	}
	if !json.Valid(b) {
		return nil, apierr.New(apierr.ValidationFailed, "Invalid request body: malformed JSON", nil)
	}
	return b, nil
}

// callerScope returns the scope of the authenticated identity.
func callerScope(r *http.Request) (model.Scope, error) {
	id := service.IdentityFrom(r.Context())
	if id == nil {
		return model.Scope{}, apierr.New(apierr.Unauthenticated, "Authentication required", nil)
	}
	return id.Scope, nil
}

// pathInt64 parses a numeric URL parameter.
func pathInt64(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, apierr.NewValidation("invalid "+name, map[string]string{name: "must be a positive integer"})
	}
	return v, nil
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryInt64 extracts an optional positive integer query parameter. Zero
// means absent.
func queryInt64(r *http.Request, key string) (int64, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryTime parses an RFC 3339 timestamp or Unix seconds. An absent value
// yields def.
func queryTime(r *http.Request, key string, def time.Time) (time.Time, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be RFC 3339 or Unix seconds")
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
