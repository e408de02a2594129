// Package ratelimit throttles operators of the case-management API.
//
// Budgets are keyed per tenant and operator so one busy officer cannot
// starve the rest of their office. A single replica uses MemoryLimiter;
// replicas that share Redis use RedisLimiter.
package ratelimit

import (
	"context"

	"github.com/google/uuid"
)

// Limiter spends one unit of the budget named by key. Allow must be safe
// for concurrent use. An error means the limiter itself is broken, and
// Middleware lets the request through in that case.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// OperatorKey names the budget of one operator within a tenant.
func OperatorKey(tenantID uuid.UUID, subject string) string {
	return "tenant:" + tenantID.String() + ":user:" + subject
}

// NoopLimiter is installed when limiting is switched off.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
