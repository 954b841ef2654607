package model

import "time"

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
	KeyExpired KeyStatus = "expired"
)

// APIKey is a gateway caller credential. The raw key is never stored; only a
// SHA-256 hash and a short prefix for identification are persisted.
type APIKey struct {
	ID               int64      `json:"id"`
	Scope            Scope      `json:"scope"`
	KeyHash          string     `json:"-"` // SHA-256 hash, never expose
	KeyPrefix        string     `json:"key_prefix"`
	Label            string     `json:"label"`
	ConnectorID      *int64     `json:"connector_id,omitempty"`
	PlanID           *int64     `json:"plan_id,omitempty"`
	AllowedEndpoints []int64    `json:"allowed_endpoints,omitempty"`
	AllowedIPs       []string   `json:"allowed_ips,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Status           KeyStatus  `json:"status"`
	RotatedFrom      *int64     `json:"rotated_from,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// Plan is a named quota policy attachable to API keys.
type Plan struct {
	ID                int64     `json:"id"`
	Scope             Scope     `json:"scope"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	RateLimit         int       `json:"rate_limit"`
	RateWindowSeconds int       `json:"rate_window_seconds"`
	Burst             int       `json:"burst"`
	DailyQuota        int64     `json:"daily_quota,omitempty"`
	MonthlyQuota      int64     `json:"monthly_quota,omitempty"`
	MaxRequestBytes   int64     `json:"max_request_bytes,omitempty"`
	MaxResponseBytes  int64     `json:"max_response_bytes,omitempty"`
	AllowedConnectors []int64   `json:"allowed_connectors,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Window returns the rate window, defaulting to one minute.
func (p *Plan) Window() time.Duration {
	if p.RateWindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(p.RateWindowSeconds) * time.Second
}

// Principal is an authenticated gateway caller.
type Principal struct {
	Key  *APIKey
	Plan *Plan
}
