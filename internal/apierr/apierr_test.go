package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Unauthenticated, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{RateLimited, http.StatusTooManyRequests},
		{QuotaExceeded, http.StatusTooManyRequests},
		{UpstreamUnavailable, http.StatusBadGateway},
		{UpstreamTimeout, http.StatusGatewayTimeout},
		{Conflict, http.StatusConflict},
		{ValidationFailed, http.StatusBadRequest},
		{PayloadTooLarge, http.StatusRequestEntityTooLarge},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := New(tt.kind, "x", nil).Status(); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAsWrapped(t *testing.T) {
	base := NewRateLimited("slow down", 3*time.Second)
	wrapped := fmt.Errorf("authorize: %w", base)

	got := As(wrapped)
	if got.Kind != RateLimited {
		t.Fatalf("Kind = %q, want %q", got.Kind, RateLimited)
	}
	if got.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", got.RetryAfter)
	}
	if !Is(wrapped, RateLimited) {
		t.Error("Is(wrapped, RateLimited) = false")
	}
}

func TestAsUnclassifiedHidesCause(t *testing.T) {
	cause := errors.New("pq: password authentication failed for user sluice")
	got := As(cause)
	if got.Kind != Internal {
		t.Errorf("Kind = %q, want internal", got.Kind)
	}
	if got.Message != "internal error" {
		t.Errorf("Message = %q, want generic message", got.Message)
	}
	if !errors.Is(got, cause) {
		t.Error("cause should remain reachable through Unwrap")
	}
}

func TestUpstream(t *testing.T) {
	if !New(UpstreamTimeout, "t", nil).Upstream() {
		t.Error("UpstreamTimeout should be upstream")
	}
	if New(Forbidden, "f", nil).Upstream() {
		t.Error("Forbidden should not be upstream")
	}
}
