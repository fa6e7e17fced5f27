package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware compares the Authorization header against a static token.
// Capability link access and routes outside /api stay open.
func authMiddleware(token string, next http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return next
	}
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r) {
			next.ServeHTTP(w, r)
			return
		}
		provided := extractToken(r)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			writeMiddlewareError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requiresAuth(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return false
	}
	path := r.URL.Path
	if path != "/api" && !strings.HasPrefix(path, "/api/") {
		return false
	}
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && isAccessPath(path) {
		return false
	}
	return true
}

// extractToken accepts both "Bearer <token>" and a bare token.
func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
