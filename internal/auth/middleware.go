// Package auth resolves caller identity from the platform-issued JWT. The
// sync service never authenticates credentials itself; it trusts the claims
// minted by the identity provider.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/models"
)

type contextKey string

const (
	scopeKey  contextKey = "access_scope"
	deviceKey contextKey = "device_id"
)

// ScopeFromContext returns the caller's access scope set by Middleware.
func ScopeFromContext(ctx context.Context) (models.AccessScope, bool) {
	scope, ok := ctx.Value(scopeKey).(models.AccessScope)
	return scope, ok
}

// DeviceIDFromContext returns the calling device id, uuid.Nil when the
// token carries none.
func DeviceIDFromContext(ctx context.Context) uuid.UUID {
	id, ok := ctx.Value(deviceKey).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

// WithScope returns a context carrying the scope and device id, exactly as
// Middleware stores them. Callers invoking handlers outside the HTTP stack
// use this instead of the middleware.
func WithScope(ctx context.Context, scope models.AccessScope, deviceID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, scopeKey, scope)
	return context.WithValue(ctx, deviceKey, deviceID)
}

// Middleware validates the bearer token and stores the resolved scope in
// the request context.
func Middleware(jwtSecret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w)
				return
			}

			scope, deviceID, err := verifyToken(token, jwtSecret)
			if err != nil {
				logger.Warn("rejected sync request token", "error", err, "remote_addr", r.RemoteAddr)
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), scope, deviceID)))
		})
	}
}

func verifyToken(tokenString, secret string) (models.AccessScope, uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return models.AccessScope{}, uuid.Nil, err
	}
	if !token.Valid {
		return models.AccessScope{}, uuid.Nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.AccessScope{}, uuid.Nil, fmt.Errorf("unexpected claims type")
	}

	userID, err := uuidClaim(claims, "sub")
	if err != nil {
		return models.AccessScope{}, uuid.Nil, err
	}
	schoolID, err := uuidClaim(claims, "school_id")
	if err != nil {
		return models.AccessScope{}, uuid.Nil, err
	}

	roleStr, _ := claims["role"].(string)
	role := models.Role(roleStr)
	switch role {
	case models.RoleTeacher, models.RolePrincipal, models.RoleDirector, models.RoleParent:
	default:
		return models.AccessScope{}, uuid.Nil, fmt.Errorf("unknown role %q", roleStr)
	}

	// device_id is optional; devices that never registered still sync.
	deviceID := uuid.Nil
	if raw, ok := claims["device_id"].(string); ok && raw != "" {
		deviceID, err = uuid.Parse(raw)
		if err != nil {
			return models.AccessScope{}, uuid.Nil, fmt.Errorf("malformed device_id claim")
		}
	}

	return models.AccessScope{UserID: userID, SchoolID: schoolID, Role: role}, deviceID, nil
}

func uuidClaim(claims jwt.MapClaims, name string) (uuid.UUID, error) {
	raw, ok := claims[name].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("missing %s claim", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed %s claim", name)
	}
	return id, nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
