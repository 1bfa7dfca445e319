// Package middleware holds the HTTP middleware chain the API server wraps
// around its mux: operator authentication, edge rate limiting, and request
// logging. The chain guards every trade and connection endpoint; handlers
// behind it can assume the caller already presented the operator key.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth returns middleware that gates the API behind a single operator key.
// The key may arrive as "Authorization: Bearer <key>" or in the X-API-Key
// header. An empty configured key disables the gate entirely, which is the
// local-development mode.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			presented := presentedKey(r)
			if presented == "" {
				deny(w, "missing authentication token")
				return
			}

			// Comparison must not leak key bytes through timing.
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				deny(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// presentedKey pulls the operator key out of the request, preferring the
// Bearer scheme over X-API-Key when both are set.
func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, rest, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
