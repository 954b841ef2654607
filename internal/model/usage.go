package model

import "time"

// Error layers recorded on usage records and error envelopes.
const (
	LayerGateway  = "gateway"
	LayerUpstream = "upstream"
)

// UsageRecord is one immutable row per completed proxied request.
type UsageRecord struct {
	ID                int64     `json:"id"`
	ConnectorID       int64     `json:"connector_id"`
	APIKeyID          *int64    `json:"api_key_id,omitempty"`
	EndpointID        *int64    `json:"endpoint_id,omitempty"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	StatusCode        int       `json:"status_code"`
	LatencyMs         int64     `json:"latency_ms"`
	UpstreamLatencyMs int64     `json:"upstream_latency_ms"`
	RequestBytes      int64     `json:"request_bytes"`
	ResponseBytes     int64     `json:"response_bytes"`
	ErrorLayer        string    `json:"error_layer,omitempty"`
	CacheHit          bool      `json:"cache_hit"`
	CreatedAt         time.Time `json:"created_at"`
}

// IsError reports whether the record counts toward error rates.
func (r *UsageRecord) IsError() bool {
	return r.StatusCode == 0 || r.StatusCode >= 400
}

// UsageBucket is one interval of a usage timeseries.
type UsageBucket struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	ErrorRate    float64   `json:"error_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
}

// UsageSummary aggregates usage for one connector or one key.
type UsageSummary struct {
	ConnectorID   int64      `json:"connector_id,omitempty"`
	APIKeyID      int64      `json:"api_key_id,omitempty"`
	Requests      int64      `json:"requests"`
	Errors        int64      `json:"errors"`
	ErrorRate     float64    `json:"error_rate"`
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
	RequestBytes  int64      `json:"request_bytes"`
	ResponseBytes int64      `json:"response_bytes"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
}

// HealthStatus is the derived status of one upstream probe.
type HealthStatus string

const (
	HealthUp       HealthStatus = "up"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// HealthCheck is one append-only probe result.
type HealthCheck struct {
	ID          int64        `json:"id"`
	ConnectorID int64        `json:"connector_id"`
	Status      HealthStatus `json:"status"`
	LatencyMs   int64        `json:"latency_ms"`
	StatusCode  int          `json:"status_code,omitempty"`
	Error       string       `json:"error,omitempty"`
	CheckedAt   time.Time    `json:"checked_at"`
}
