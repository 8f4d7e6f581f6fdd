package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ClientContextKey contextKey = "client"

// anonymous is the client attached to requests when auth is disabled.
var anonymous = &Client{Name: "anonymous", Role: RoleAdmin}

// Middleware authenticates API requests with bearer tokens.
type Middleware struct {
	jwtManager *JWTManager
	disabled   bool
}

// NewMiddleware creates the auth middleware. With disabled set every
// request is treated as an admin; meant for bench setups only.
func NewMiddleware(jwtManager *JWTManager, disabled bool) *Middleware {
	return &Middleware{jwtManager: jwtManager, disabled: disabled}
}

// RequireAuth rejects requests without a valid "Authorization: Bearer" token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r.WithContext(SetClientContext(r.Context(), anonymous)))
			return
		}

		token := BearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="envnode"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		client, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="envnode", error="invalid_token"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetClientContext(r.Context(), client)))
	})
}

// RequireAdmin must run after RequireAuth.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := GetClientFromContext(r.Context())
		if client == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !client.IsAdmin() {
			http.Error(w, "Forbidden: admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// GetClientFromContext returns the authenticated client, or nil.
func GetClientFromContext(ctx context.Context) *Client {
	client, _ := ctx.Value(ClientContextKey).(*Client)
	return client
}

// SetClientContext attaches client to ctx.
func SetClientContext(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, ClientContextKey, client)
}
