package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tasker-systems/tasker/pkg/logger"
)

func contextWithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// GetAuthenticationMiddleware returns the middleware for the configured
// authentication mode: JWT validation when a secret is provided and
// authentication is enabled, anonymous claims otherwise.
func GetAuthenticationMiddleware(enabled bool, secret []byte, issuer, audience string) (func(http.Handler) http.Handler, error) {
	if !enabled {
		logger.Infow("authentication disabled, using anonymous claims")
		return AnonymousMiddleware, nil
	}
	validator, err := NewJWTValidator(secret, issuer, audience)
	if err != nil {
		return nil, err
	}
	return validator.Middleware, nil
}
