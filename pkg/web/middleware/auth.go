package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/manifold-api/manifold/pkg/engine"
)

const (
	subjectKey ContextKey = "auth_subject"
	claimsKey  ContextKey = "auth_claims"
)

// AuthConfig configures the bearer token middleware.
type AuthConfig struct {
	// Secret verifies HMAC-signed tokens.
	Secret []byte
	// SkipPaths lists paths served without authentication.
	SkipPaths []string
}

// Auth validates JWT bearer tokens signed with the given secret.
func Auth(secret []byte) Middleware {
	return AuthWithConfig(AuthConfig{Secret: secret})
}

// AuthWithConfig creates an authentication middleware with custom
// configuration. Validated claims and the token subject are placed on the
// request context.
func AuthWithConfig(config AuthConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skip := range config.SkipPaths {
				if r.URL.Path == skip {
					next.ServeHTTP(w, r)
					return
				}
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, engine.NewError(http.StatusUnauthorized, "authorization required"))
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				writeError(w, engine.NewError(http.StatusUnauthorized, "invalid authorization header"))
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
				}
				return config.Secret, nil
			})
			if err != nil {
				writeError(w, engine.NewError(http.StatusUnauthorized, "invalid token"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				ctx = context.WithValue(ctx, subjectKey, sub)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSubject extracts the authenticated token subject from the context.
func GetSubject(ctx context.Context) string {
	if sub, ok := ctx.Value(subjectKey).(string); ok {
		return sub
	}
	return ""
}

// GetClaims extracts the validated token claims from the context.
func GetClaims(ctx context.Context) jwt.MapClaims {
	if claims, ok := ctx.Value(claimsKey).(jwt.MapClaims); ok {
		return claims
	}
	return nil
}
