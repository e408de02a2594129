package ctxutil_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kujo/internal/auth"
	"github.com/ashita-ai/kujo/internal/ctxutil"
	"github.com/ashita-ai/kujo/internal/model"
)

func TestClaims(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ctxutil.ClaimsFromContext(ctx))
	assert.Equal(t, uuid.Nil, ctxutil.TenantIDFromContext(ctx))

	claims := &auth.Claims{TenantID: uuid.New(), Role: model.RoleOfficer}
	ctx = ctxutil.WithClaims(ctx, claims)
	assert.Same(t, claims, ctxutil.ClaimsFromContext(ctx))
	assert.Equal(t, claims.TenantID, ctxutil.TenantIDFromContext(ctx))
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ctxutil.RequestIDFromContext(ctx))
	assert.Equal(t, "req-1", ctxutil.RequestIDFromContext(ctxutil.WithRequestID(ctx, "req-1")))
}
