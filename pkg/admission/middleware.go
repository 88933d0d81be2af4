package admission

import (
	"net"
	"net/http"
	"strconv"

	"portcullis/pkg/auth"
	"portcullis/pkg/httpx"
	"portcullis/pkg/tenant"
)

// Observer sees every non-bypass decision, after headers are set but before
// the response body is written. Used for metrics, audit and the event stream.
type Observer func(r *http.Request, d Decision)

// Middleware applies the decision engine to each request. On allow, the
// verified tenant and tier are placed on the request context for downstream
// gates and the proxy.
func (e *Engine) Middleware(observe Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, authenticated := auth.PrincipalFromContext(ctx)
			d := e.Evaluate(ctx, Request{
				Method:        r.Method,
				Path:          r.URL.Path,
				PreResolved:   tenant.PreResolvedFromContext(ctx),
				HeaderTenant:  r.Header.Get(e.Config.tenantHeader()),
				Principal:     principal,
				Authenticated: authenticated,
				IP:            clientIP(r),
			})
			if d.Bypassed {
				next.ServeHTTP(w, r)
				return
			}
			if d.Verification != "" {
				w.Header().Set(VerificationHeader, d.Verification)
			}
			if d.Limited {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if observe != nil {
				observe(r, d)
			}
			if !d.Allowed {
				httpx.Error(w, d.Status, d.Code, denyMessage(d.Reason))
				return
			}
			if d.Tenant != "" {
				ctx = tenant.WithIdentity(ctx, d.Tenant)
			}
			if d.Tier != "" {
				ctx = tenant.WithTier(ctx, d.Tier)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func denyMessage(reason string) string {
	switch reason {
	case ReasonUnauthenticated:
		return "authentication required"
	case ReasonSignalConflict:
		return "conflicting tenant identity signals"
	case ReasonNoTenant:
		return "tenant could not be resolved"
	case ReasonTenantInactive:
		return "tenant is inactive"
	case ReasonTenantSuspended:
		return "tenant is suspended"
	case ReasonTenantUnknown:
		return "tenant is unknown"
	case ReasonRateLimited:
		return "rate limit exceeded, retry after the current window"
	}
	return "request denied"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
