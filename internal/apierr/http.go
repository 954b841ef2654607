package apierr

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/faucetdb/sluice/internal/model"
)

// LayerHeader names the layer that produced an error response: the gateway
// itself or the upstream behind it.
const LayerHeader = "X-Sluice-Error-Layer"

// RetryAfterSeconds rounds a retry hint up to whole seconds, minimum one.
func RetryAfterSeconds(e *Error) int {
	if e.RetryAfter <= 0 {
		return 0
	}
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Envelope builds the wire form of err. Upstream kinds are reported with
// the upstream layer, everything else with the gateway layer.
func Envelope(err error) (*Error, model.ErrorResponse) {
	e := As(err)
	layer := model.LayerGateway
	if e.Upstream() {
		layer = model.LayerUpstream
	}
	return e, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:       e.Status(),
			Kind:       string(e.Kind),
			Layer:      layer,
			Message:    e.Message,
			Fields:     e.Fields,
			RetryAfter: RetryAfterSeconds(e),
		},
	}
}

// Write renders err as a JSON error envelope, setting Retry-After for rate
// limited responses.
func Write(w http.ResponseWriter, err error) {
	e, body := Envelope(err)
	if s := body.Error.RetryAfter; s > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(s))
	}
	w.Header().Set(LayerHeader, body.Error.Layer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
