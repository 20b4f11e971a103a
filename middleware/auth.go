package middleware

import (
	"context"
	"net/http"
	"strings"

	"docsy/internal/identity"
)

type contextKey string

const IdentityKey contextKey = "identity"

// IdentityFrom extracts the resolved identity from a request context.
// Returns nil for guests.
func IdentityFrom(ctx context.Context) *identity.Identity {
	ident, _ := ctx.Value(IdentityKey).(*identity.Identity)
	return ident
}

func bearerToken(r *http.Request) string {
	// For WebSockets, tokens are passed in the query string because the
	// browser's WebSocket API doesn't support custom headers.
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// AuthOptional resolves the caller's identity when a valid token is
// present and proceeds as guest otherwise. Used on the WebSocket
// endpoint, where guests may still view public documents.
func AuthOptional(resolver *identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := resolver.Resolve(bearerToken(r))
			ctx := context.WithValue(r.Context(), IdentityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthRequired rejects requests without a valid token. Used on the REST
// metadata endpoints, which always act on behalf of a known user.
func AuthRequired(resolver *identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := resolver.Resolve(bearerToken(r))
			if ident == nil {
				http.Error(w, "Unauthorized: valid token required", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), IdentityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
