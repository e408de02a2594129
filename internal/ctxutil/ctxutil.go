// Package ctxutil carries request-scoped values between the HTTP layer and
// the services below it, so neither has to import the other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/auth"
)

type (
	claimsKey    struct{}
	requestIDKey struct{}
)

// WithClaims attaches the verified operator. The tenant every query is
// scoped to is read back from these claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the verified operator, or nil outside an
// authenticated request.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// TenantIDFromContext returns the caller's tenant, or uuid.Nil when there
// is none.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.TenantID
	}
	return uuid.Nil
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns "" when no ID was assigned.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
