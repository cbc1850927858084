// Package tenant carries the calling tenant through a request context.
// Every store in this service resolves the tenant from ctx; operating without
// one is a configuration error and is never defaulted.
package tenant

import (
	"context"
	"errors"
)

// ErrNoTenant is returned when a storage operation runs without a tenant in ctx.
var ErrNoTenant = errors.New("no tenant in context")

type ctxKey struct{}

// WithTenant returns a copy of ctx scoped to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext returns the tenant id installed by WithTenant.
func FromContext(ctx context.Context) (string, error) {
	id, _ := ctx.Value(ctxKey{}).(string)
	if id == "" {
		return "", ErrNoTenant
	}
	return id, nil
}
