package tenant

import "context"

type contextKey string

const (
	identityContextKey    contextKey = "portcullis.tenant"
	tierContextKey        contextKey = "portcullis.tier"
	preResolvedContextKey contextKey = "portcullis.tenant.preresolved"
)

// WithIdentity records the verified tenant for the rest of the handler chain.
func WithIdentity(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, identityContextKey, tenantID)
}

func IdentityFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(identityContextKey).(string)
	return v, ok && v != ""
}

func WithTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, tierContextKey, tier)
}

func TierFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tierContextKey).(string)
	return v, ok && v != ""
}

// WithPreResolved carries a tenant identifier resolved by an earlier hop
// (an edge proxy or auth filter) into the decision engine as a candidate.
func WithPreResolved(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, preResolvedContextKey, tenantID)
}

func PreResolvedFromContext(ctx context.Context) string {
	v, _ := ctx.Value(preResolvedContextKey).(string)
	return v
}
