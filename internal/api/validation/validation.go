package validation

import (
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// DomainRegex validates domain format
	domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

	// UUIDRegex validates UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// MaxMessageLength bounds a single chat message.
const MaxMessageLength = 8000

// IsValidDomain checks if the string is a valid domain format
func IsValidDomain(domain string) bool {
	if len(domain) > 253 {
		return false
	}
	return domainRegex.MatchString(domain)
}

// IsValidUUID checks if the string is a valid UUID format
func IsValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// IsValidIP checks if the string is a valid IP address (v4 or v6)
func IsValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// IsValidCIDR checks if the string is a valid CIDR notation
func IsValidCIDR(cidr string) bool {
	_, _, err := net.ParseCIDR(cidr)
	return err == nil
}

// IsValidURL checks for an absolute http(s) URL with a valid host
func IsValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || IsValidDomain(host) || IsValidIP(host)
}

// ValidateTarget checks a scan target: a domain, IP, CIDR range or URL
func ValidateTarget(target string) (bool, string) {
	target = strings.TrimSpace(target)
	switch {
	case target == "":
		return false, "Target is required"
	case IsValidIP(target), IsValidCIDR(target), IsValidDomain(target):
		return true, ""
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		if IsValidURL(target) {
			return true, ""
		}
		return false, "Invalid URL"
	}
	return false, "Target must be a domain, IP address, CIDR range or URL"
}

// SanitizeString removes potentially dangerous characters for display
func SanitizeString(s string) string {
	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	// Remove control characters except newlines and tabs
	var result strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// TruncateString truncates a string to at most maxLen bytes without
// splitting a UTF-8 sequence
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
