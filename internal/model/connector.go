package model

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Visibility controls who may call a connector through the gateway.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// ConnectorStatus is the lifecycle state of a connector.
type ConnectorStatus string

const (
	StatusDraft     ConnectorStatus = "draft"
	StatusPublished ConnectorStatus = "published"
	StatusArchived  ConnectorStatus = "archived"
)

// Auth strategy names understood by the default registry.
const (
	AuthNone   = "none"
	AuthQuery  = "query"
	AuthHeader = "header"
	AuthBearer = "bearer"
	AuthSigV4  = "sigv4"
)

// AuthConfig parameterises the connector's auth strategy. Secret fields hold
// secret reference names, never secret values.
type AuthConfig struct {
	// Query and header strategies.
	Secret string `json:"secret,omitempty"`
	Param  string `json:"param,omitempty"`
	Header string `json:"header,omitempty"`
	Prefix string `json:"prefix,omitempty"`

	// SigV4 strategy.
	Region             string `json:"region,omitempty"`
	Service            string `json:"service,omitempty"`
	AccessKeySecret    string `json:"access_key_secret,omitempty"`
	SecretKeySecret    string `json:"secret_key_secret,omitempty"`
	SessionTokenSecret string `json:"session_token_secret,omitempty"`
	SignPayload        bool   `json:"sign_payload,omitempty"`
}

// Connector binds a scope-owned slug to one upstream HTTP service.
type Connector struct {
	ID              int64           `json:"id"`
	Scope           Scope           `json:"scope"`
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	BaseURL         string          `json:"base_url"`
	AllowedHosts    []string        `json:"allowed_hosts"`
	SecretRefs      []string        `json:"secret_refs"`
	AuthType        string          `json:"auth_type"`
	Auth            AuthConfig      `json:"auth"`
	HealthCheckPath string          `json:"health_check_path,omitempty"`
	Visibility      Visibility      `json:"visibility"`
	Status          ConnectorStatus `json:"status"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Hosts returns the effective allow-list: the configured hosts, or the base
// URL's hostname when none are configured.
func (c *Connector) Hosts() []string {
	if len(c.AllowedHosts) > 0 {
		return c.AllowedHosts
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	return []string{strings.ToLower(u.Hostname())}
}

// ProbePath returns the health-check path, defaulting to "/".
func (c *Connector) ProbePath() string {
	if c.HealthCheckPath == "" {
		return "/"
	}
	return c.HealthCheckPath
}

// Endpoint is one routable operation exposed by a connector.
type Endpoint struct {
	ID            int64           `json:"id"`
	ConnectorID   int64           `json:"connector_id"`
	Method        string          `json:"method"`
	Path          string          `json:"path"`
	UpstreamPath  string          `json:"upstream_path,omitempty"`
	ContentType   string          `json:"content_type,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	BodySchema    json.RawMessage `json:"body_schema,omitempty"`
	BodyBlacklist []string        `json:"body_blacklist,omitempty"`
	BodyPattern   string          `json:"body_pattern,omitempty"`
	CacheTTL      int             `json:"cache_ttl_seconds"`
	RateLimit     int             `json:"rate_limit"`
	TimeoutMs     int             `json:"timeout_ms"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Target returns the upstream path template, falling back to the public path.
func (e *Endpoint) Target() string {
	if e.UpstreamPath == "" {
		return e.Path
	}
	return e.UpstreamPath
}

// ConnectorWithEndpoints is the resolver's unit of caching.
type ConnectorWithEndpoints struct {
	Connector *Connector  `json:"connector"`
	Endpoints []*Endpoint `json:"endpoints"`
}
