package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the ID of the API key it
// belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.rateLimiter != nil {
					ip := clientIP(r.RemoteAddr)
					if !cfg.rateLimiter.RecordFailureAndAllow(ip) {
						http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
						return
					}
				}
				writeHTTPUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyIDKey, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const apiKeyIDKey contextKey = "api_key_id"

// APIKeyIDFromContext retrieves the authenticated API key ID from the context.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a new context with the given API key ID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	keyID, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(keyID) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return keyID, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
