package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/iam"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// UserContextKey is the context key for the authenticated user.
const UserContextKey contextKey = "user"

// Middleware provides authentication middleware for HTTP handlers.
type Middleware struct {
	jwtService *JWTService
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(jwtService *JWTService) *Middleware {
	return &Middleware{jwtService: jwtService}
}

// RequireAuth is middleware that requires a valid user token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			unauthorized(w, "missing or invalid authorization header")
			return
		}

		claims, err := m.jwtService.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Msg("Token validation failed")
			unauthorized(w, "invalid or expired token")
			return
		}

		ctx := WithUser(r.Context(), claims.User(token))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user iam.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// UserFromContext retrieves the authenticated user from the request context.
func UserFromContext(ctx context.Context) (iam.AuthenticatedUser, bool) {
	user, ok := ctx.Value(UserContextKey).(iam.AuthenticatedUser)
	return user, ok
}

// extractBearerToken extracts the JWT token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Check for "Bearer " prefix (case-insensitive)
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return authHeader[7:]
	}

	return ""
}

// unauthorized sends a 401 Unauthorized response.
func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="workspace-manager"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"message": "` + message + `", "statusCode": 401, "causes": []}`))
}
