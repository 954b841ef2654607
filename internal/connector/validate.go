package connector

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
)

var (
	slugPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	secretNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	paramPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var endpointMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, MethodAny: true,
}

// StrategyLookup reports whether an auth type is registered.
type StrategyLookup func(authType string) bool

// ValidateConnector normalises c in place and reports per-field problems.
func ValidateConnector(c *model.Connector, known StrategyLookup) error {
	fields := map[string]string{}

	c.Slug = strings.TrimSpace(c.Slug)
	if !slugPattern.MatchString(c.Slug) {
		fields["slug"] = "must be 1-63 lowercase letters, digits, or hyphens"
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.Slug
	}

	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	switch {
	case err != nil || u.Host == "":
		fields["base_url"] = "must be an absolute http or https URL"
	case u.Scheme != "http" && u.Scheme != "https":
		fields["base_url"] = "scheme must be http or https"
	case u.User != nil:
		fields["base_url"] = "must not embed credentials"
	default:
		c.BaseURL = strings.TrimRight(u.String(), "/")
	}

	for i, h := range c.AllowedHosts {
		h = normalizeHost(h)
		if h == "" || strings.ContainsAny(h, "/?#@ ") {
			fields["allowed_hosts"] = fmt.Sprintf("entry %d is not a hostname", i)
			break
		}
		c.AllowedHosts[i] = h
	}
	if _, bad := fields["base_url"]; !bad && len(c.AllowedHosts) > 0 && !IsAllowedHost(c, u) {
		fields["allowed_hosts"] = "must include the base URL host"
	}

	for _, name := range c.SecretRefs {
		if !secretNamePattern.MatchString(name) {
			fields["secret_refs"] = fmt.Sprintf("invalid secret name %q", name)
			break
		}
	}

	if c.AuthType == "" {
		c.AuthType = model.AuthNone
	}
	if known != nil && !known(c.AuthType) {
		fields["auth_type"] = fmt.Sprintf("unknown auth type %q", c.AuthType)
	}
	if c.AuthType == model.AuthSigV4 && (c.Auth.Region == "" || c.Auth.Service == "") {
		fields["auth"] = "sigv4 requires region and service"
	}

	switch c.Visibility {
	case "":
		c.Visibility = model.VisibilityPrivate
	case model.VisibilityPrivate, model.VisibilityPublic:
	default:
		fields["visibility"] = "must be private or public"
	}

	if c.HealthCheckPath != "" && !strings.HasPrefix(c.HealthCheckPath, "/") {
		fields["health_check_path"] = "must start with /"
	}

	if len(fields) > 0 {
		return apierr.NewValidation("invalid connector", fields)
	}
	return nil
}

// ValidateEndpoint normalises e in place and reports per-field problems.
func ValidateEndpoint(e *model.Endpoint) error {
	fields := map[string]string{}

	e.Method = strings.ToUpper(strings.TrimSpace(e.Method))
	if e.Method == "" {
		e.Method = "GET"
	}
	if !endpointMethods[e.Method] {
		fields["method"] = "unsupported HTTP method"
	}

	if !strings.HasPrefix(e.Path, "/") {
		fields["path"] = "must start with /"
	} else if msg := checkTemplate(e.Path); msg != "" {
		fields["path"] = msg
	}

	if e.UpstreamPath != "" {
		if !strings.HasPrefix(e.UpstreamPath, "/") {
			fields["upstream_path"] = "must start with /"
		} else if msg := checkTemplate(e.UpstreamPath); msg != "" {
			fields["upstream_path"] = msg
		} else {
			declared := map[string]bool{}
			for _, p := range TemplateParams(e.Path) {
				declared[p] = true
			}
			for _, p := range TemplateParams(e.UpstreamPath) {
				if !declared[p] {
					fields["upstream_path"] = fmt.Sprintf("parameter {%s} is not in path", p)
					break
				}
			}
		}
	}

	if _, err := CompileConstraints(e); err != nil {
		fields["body"] = err.Error()
	}
	if e.CacheTTL < 0 {
		fields["cache_ttl_seconds"] = "must not be negative"
	}
	if e.RateLimit < 0 {
		fields["rate_limit"] = "must not be negative"
	}
	if e.TimeoutMs < 0 {
		fields["timeout_ms"] = "must not be negative"
	}

	if len(fields) > 0 {
		return apierr.NewValidation("invalid endpoint", fields)
	}
	return nil
}

func checkTemplate(p string) string {
	seen := map[string]bool{}
	for _, seg := range splitPath(p) {
		if seg == "." || seg == ".." {
			return "must not contain dot segments"
		}
		name, ok := paramName(seg)
		if !ok {
			if strings.ContainsAny(seg, "{}") {
				return fmt.Sprintf("malformed segment %q", seg)
			}
			continue
		}
		if !paramPattern.MatchString(name) {
			return fmt.Sprintf("invalid parameter name %q", name)
		}
		if seen[name] {
			return fmt.Sprintf("duplicate parameter {%s}", name)
		}
		seen[name] = true
	}
	return ""
}

// ValidateSecretName reports whether name is usable as a secret reference.
func ValidateSecretName(name string) error {
	if !secretNamePattern.MatchString(name) {
		return apierr.NewValidation("invalid secret name", map[string]string{"name": "must be 1-64 letters, digits, dot, dash, or underscore"})
	}
	return nil
}
