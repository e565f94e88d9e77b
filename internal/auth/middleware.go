package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const ClaimsContextKey contextKey = "admin_claims"

type Middleware struct {
	jwtSecret string
	logger    *zap.Logger
}

func NewMiddleware(jwtSecret string, logger *zap.Logger) *Middleware {
	return &Middleware{jwtSecret: jwtSecret, logger: logger}
}

// Authenticate guards the admin routes with a Bearer token carrying the
// admin role.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, "Missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeAuthError(w, "Invalid authorization header format")
			return
		}

		claims, err := ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			m.logger.Debug("admin token rejected", zap.Error(err))
			writeAuthError(w, "Invalid token")
			return
		}
		if claims.Role != RoleAdmin {
			writeAuthError(w, "Insufficient role")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "AuthError", "message": msg})
}
