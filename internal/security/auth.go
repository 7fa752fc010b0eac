// Package security provides the relay's perimeter checks: optional
// bearer-token gating and per-IP connection rate limiting. Participant
// identity is trusted input (authentication happens upstream in the web
// application before the identify event ever reaches the relay).
package security

import (
	"crypto/subtle"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization
// header. The scheme is matched case-insensitively and surrounding
// whitespace is trimmed from the token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}
	return ""
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
