package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/stayware/lodgemap/internal/auth"
	"github.com/stayware/lodgemap/internal/store"
)

// APIKeyAuth authenticates requests carrying "Authorization: Bearer
// <key_id>.<secret>" against the principal store. The secret is verified
// with bcrypt; the resolved principal lands on the request context.
func APIKeyAuth(principals *store.PrincipalStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, secret, ok := parseBearerKey(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w)
				return
			}

			p, err := principals.GetByKeyID(keyID)
			if err != nil || p == nil {
				unauthorized(w)
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(p.KeyHash), []byte(secret)) != nil {
				unauthorized(w)
				return
			}

			ctx := auth.WithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin allows only principals with the admin role through. It must
// run inside APIKeyAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseBearerKey splits "Bearer <key_id>.<secret>". Key ids never contain
// dots, so the first dot is the separator.
func parseBearerKey(header string) (keyID, secret string, ok bool) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(strings.TrimSpace(token), ".")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing API key"})
}
