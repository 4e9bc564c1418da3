// Package authmw protects the management API with a static bearer token.
package authmw

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

const scheme = "Bearer "

// BearerToken returns middleware that requires "Authorization: Bearer <token>".
// CORS preflight requests pass through unauthenticated. An empty token rejects
// every request.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if len(auth) < len(scheme) || !strings.EqualFold(auth[:len(scheme)], scheme) {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(strings.TrimSpace(auth[len(scheme):]))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mentodo"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
