package middleware

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
)

// Auth requires "Authorization: Bearer <token>" on every path except the
// public ones. The WebSocket endpoint authenticates in-band and should be
// listed as public.
func Auth(token string, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(public, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			bearer, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) != 1 {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", false
	}
	return token, true
}
