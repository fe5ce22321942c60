package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/manifold-api/manifold/pkg/engine"
)

// RecoveryConfig configures the panic recovery middleware.
type RecoveryConfig struct {
	// Logger receives the panic and its stack trace.
	Logger *zap.Logger
	// Development includes the panic message in the response body.
	Development bool
}

// Recovery converts panics into 500 responses.
func Recovery(logger *zap.Logger) Middleware {
	return RecoveryWithConfig(RecoveryConfig{Logger: logger})
}

// RecoveryWithConfig creates a recovery middleware with custom
// configuration.
func RecoveryWithConfig(config RecoveryConfig) Middleware {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					logger.Error("panic recovered",
						zap.String("request_id", GetRequestID(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Any("panic", recovered),
						zap.ByteString("stack", debug.Stack()))

					detail := http.StatusText(http.StatusInternalServerError)
					if config.Development {
						detail = fmt.Sprintf("panic: %v", recovered)
					}
					writeError(w, engine.Internal("%s", detail))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
