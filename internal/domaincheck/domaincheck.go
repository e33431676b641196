// Package domaincheck normalizes hosts for credential matching and inspects
// URLs for phishing indicators before a credential is offered for a site.
package domaincheck

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// HostFromURL extracts the lowercase hostname from a URL.
//
// Args:
//
//	raw: URL as typed or captured from the browser; a missing scheme is tolerated.
//
// Returns:
//
//	string: sanitized host, or "" when the URL has no usable host.
//
// Behavior:
//  1. Trims whitespace and prefixes "https://" when no scheme is present.
//  2. Parses with net/url and keeps only the hostname.
//  3. Normalizes via sanitizeHost (lowercase, no port, no trailing dot).
func HostFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := sanitizeHost(parsed.Hostname())
	if strings.Trim(host, ":.") == "" || strings.ContainsAny(host, " /") {
		return ""
	}
	return host
}

// ETLDPlusOne resolves the effective top-level domain plus one label for the supplied host.
func ETLDPlusOne(host string) (string, error) {
	canonical := sanitizeHost(host)
	return publicsuffix.EffectiveTLDPlusOne(canonical)
}

// NormalizeDomain turns a domain-or-URL lookup key into a bare host.
func NormalizeDomain(value string) string {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "://") || strings.ContainsAny(value, "/?#") {
		return HostFromURL(value)
	}
	return sanitizeHost(value)
}

// SameSite reports whether two hosts share a registrable domain.
func SameSite(a, b string) bool {
	ea, err := ETLDPlusOne(a)
	if err != nil {
		return false
	}
	eb, err := ETLDPlusOne(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ea, eb)
}

// sanitizeHost normalizes host strings for consistent comparisons.
func sanitizeHost(host string) string {
	clean := strings.TrimSpace(host)
	clean = strings.TrimSuffix(clean, ".")
	if strings.HasPrefix(clean, "[") {
		if end := strings.Index(clean, "]"); end > 0 {
			return strings.ToLower(clean[1:end])
		}
	}
	if strings.Count(clean, ":") == 1 {
		clean = clean[:strings.Index(clean, ":")]
	}
	return strings.ToLower(clean)
}
