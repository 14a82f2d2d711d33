package util

import (
	"net"
	"strings"
)

// IPVerifier checks whether a remote address is on the allowlist
type IPVerifier struct {
	allowlist []string
}

// NewIPVerifier creates a new IP verifier; an empty list allows everyone
func NewIPVerifier(allowlist []string) *IPVerifier {
	return &IPVerifier{
		allowlist: allowlist,
	}
}

// IsAllowed checks if an address (host or host:port) is allowed
func (v *IPVerifier) IsAllowed(address string, logger *Logger) bool {
	if v == nil || len(v.allowlist) == 0 {
		return true
	}

	for _, allowed := range v.allowlist {
		if allowed == "*" {
			return true
		}
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	host = strings.TrimPrefix(host, "::ffff:")

	for _, allowed := range v.allowlist {
		if matchesPattern(host, strings.TrimPrefix(allowed, "::ffff:")) {
			return true
		}
	}

	if logger != nil {
		logger.Warnf("Blocking incoming connection from %s. Turn off --localOnly or add to --ipWhitelist to allow", address)
	}
	return false
}

// matchesPattern supports exact addresses, CIDR blocks and dotted wildcards (10.0.*.*)
func matchesPattern(ip, pattern string) bool {
	if ip == pattern {
		return true
	}

	if strings.Contains(pattern, "/") {
		_, network, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		ipAddr := net.ParseIP(ip)
		return ipAddr != nil && network.Contains(ipAddr)
	}

	if strings.Contains(pattern, "*") {
		ipParts := strings.Split(ip, ".")
		patternParts := strings.Split(pattern, ".")
		if len(ipParts) != len(patternParts) {
			return false
		}
		for i := range ipParts {
			if patternParts[i] != "*" && ipParts[i] != patternParts[i] {
				return false
			}
		}
		return true
	}

	return false
}
