package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"whiteboard-server/auth"
)

type contextKey string

const IdentityContextKey = contextKey("identity")

// AuthJWT resolves the caller's identity from a Bearer token. Anonymous
// callers may pass X-User-ID and X-User-Name when the authenticator allows it.
func AuthJWT(authn *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
					render.Status(r, http.StatusUnauthorized)
					render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
					return
				}
				tokenString = parts[1]
			}

			identity, err := authn.Authenticate(tokenString, r.Header.Get("X-User-ID"), r.Header.Get("X-User-Name"))
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				if tokenString == "" {
					render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				} else {
					render.JSON(w, r, map[string]string{"error": "Invalid token"})
				}
				return
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the identity stored by AuthJWT.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(*auth.Identity)
	return identity, ok
}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, identity)
}
