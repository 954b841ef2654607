package connector

import (
	"net"
	"net/url"
	"strings"

	"github.com/faucetdb/sluice/internal/model"
)

// IsAllowedHost reports whether target may be contacted on behalf of the
// connector. The target hostname must equal an allow-listed host or be a
// subdomain of one. Only http and https targets are allowed. This check runs
// before every outbound request, not only when the connector is saved.
func IsAllowedHost(c *model.Connector, target *url.URL) bool {
	if target == nil || (target.Scheme != "http" && target.Scheme != "https") {
		return false
	}
	host := normalizeHost(target.Hostname())
	if host == "" {
		return false
	}
	for _, allowed := range c.Hosts() {
		if hostMatches(host, allowed) {
			return true
		}
	}
	return false
}

func hostMatches(host, pattern string) bool {
	pattern = strings.TrimPrefix(normalizeHost(pattern), "*.")
	if h, _, err := net.SplitHostPort(pattern); err == nil {
		pattern = h
	}
	if pattern == "" {
		return false
	}
	if host == pattern {
		return true
	}
	// IP literals only match exactly.
	if net.ParseIP(host) != nil || net.ParseIP(pattern) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+pattern)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return strings.TrimSuffix(h, ".")
}
