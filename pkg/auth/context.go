// Package auth provides authentication and authorization middleware for the
// tasker API. Authentication produces JWT claims in the request context;
// authorization maps each API operation to a (resource, action) pair and
// consults an Authorizer.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsContextKey is the context key under which validated claims are
// stored. All middlewares use the same key so downstream code is agnostic to
// how the request was authenticated.
type ClaimsContextKey struct{}

// ClaimsFromContext retrieves the validated claims, if any.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(jwt.MapClaims)
	return claims, ok
}

// SubjectFromContext returns the authenticated subject, or "anonymous" when
// the request carries no claims.
func SubjectFromContext(ctx context.Context) string {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return "anonymous"
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "anonymous"
	}
	return sub
}
