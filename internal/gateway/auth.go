package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractToken pulls the bearer token from a request. It checks, in order,
// the Authorization header and the token query parameter; the query form
// exists for dialers that cannot set headers.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authorizeStatic checks the request against the configured gateway token.
// An unset token locks the static surface closed, not open: the operator
// endpoints have no anonymous mode.
func (s *Server) authorizeStatic(r *http.Request) bool {
	if s.cfg.GatewayToken == "" {
		return false
	}
	candidate := extractToken(r)
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.GatewayToken)) == 1
}
