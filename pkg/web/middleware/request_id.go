package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ContextKey is a private key type so middleware context values never
// collide with other packages.
type ContextKey string

const (
	// RequestIDKey is the context key for request ids.
	RequestIDKey ContextKey = "request_id"
)

// RequestIDConfig configures the request id middleware.
type RequestIDConfig struct {
	// HeaderName is the header the id is read from and echoed to.
	HeaderName string
	// Generator produces ids when the request carries none.
	Generator func() string
}

// DefaultRequestIDConfig returns the default configuration: X-Request-ID
// with UUID generation.
func DefaultRequestIDConfig() RequestIDConfig {
	return RequestIDConfig{
		HeaderName: "X-Request-ID",
		Generator:  uuid.NewString,
	}
}

// RequestID tags each request with a unique id, reusing the inbound header
// when present.
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig())
}

// RequestIDWithConfig creates a request id middleware with custom
// configuration.
func RequestIDWithConfig(config RequestIDConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(config.HeaderName)
			if requestID == "" {
				requestID = config.Generator()
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			w.Header().Set(config.HeaderName, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID extracts the request id from the context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
