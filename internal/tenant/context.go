package tenant

import "context"

// TenantContext carries the caller identity resolved at the HTTP boundary.
type TenantContext struct {
	TenantID string
	UserID   string
	Roles    []string
}

type tenantContextKey struct{}

// WithTenantContext attaches tc to ctx.
func WithTenantContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// FromContext returns the TenantContext stored in ctx, if any.
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey{}).(TenantContext)
	return tc, ok
}
