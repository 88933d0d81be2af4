// Package admission decides, for every inbound request, which tenant it
// belongs to and whether that tenant may proceed. Tenant isolation is
// fail-closed: any ambiguity between identity signals denies, never merges.
package admission

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"portcullis/pkg/auth"
	"portcullis/pkg/ratelimit"
	"portcullis/pkg/routes"
	"portcullis/pkg/tenant"
)

// VerificationHeader carries the resolved tenant, "false" on deny, or
// "super-admin" for unscoped operator access.
const VerificationHeader = "X-Tenant-Verified"

const (
	VerificationDenied     = "false"
	VerificationSuperAdmin = "super-admin"
)

// Deny reason codes.
const (
	ReasonUnauthenticated = "UNAUTHENTICATED"
	ReasonSignalConflict  = "TENANT_SIGNAL_CONFLICT"
	ReasonNoTenant        = "TENANT_REQUIRED"
	ReasonTenantInactive  = "TENANT_INACTIVE"
	ReasonTenantSuspended = "TENANT_SUSPENDED"
	ReasonTenantUnknown   = "TENANT_UNKNOWN"
	ReasonRateLimited     = "RATE_LIMITED"
)

// Config is resolved once at startup; no runtime reflection.
type Config struct {
	// BypassPatterns are permit-all paths (auth endpoints, health checks).
	BypassPatterns []string
	// TenantHeader names the request header carrying a tenant candidate.
	TenantHeader string
	// ClaimNames is the ordered JWT claim-name list; the first non-empty
	// claim value becomes the JWT tenant candidate.
	ClaimNames []string
	// SuperAdminAuthorities are matched exactly against the principal's
	// authority set.
	SuperAdminAuthorities []string
}

func (c *Config) tenantHeader() string {
	if c.TenantHeader == "" {
		return "X-Tenant-ID"
	}
	return c.TenantHeader
}

// AccessResolver is satisfied by tenant.Resolver.
type AccessResolver interface {
	Resolve(ctx context.Context, tenantID string) tenant.Access
}

// Engine orchestrates tenant identity resolution, cross-source consistency
// checks, super-admin bypass, and tier admission.
type Engine struct {
	Config Config
	Access AccessResolver
	Rates  *ratelimit.Controller
	Logger zerolog.Logger
}

// Request is the per-request input to Evaluate.
type Request struct {
	Method        string
	Path          string
	PreResolved   string
	HeaderTenant  string
	Principal     auth.Principal
	Authenticated bool
	IP            string
}

// Decision is the combined allow/deny outcome.
type Decision struct {
	Allowed      bool
	Bypassed     bool
	Tenant       string
	Tier         string
	SuperAdmin   bool
	Verification string
	Status       int
	Code         string
	Reason       string
	// Limited carries rate headers when a limiter applied to this request.
	Limited   bool
	Limit     int
	Remaining int
}

func allow(verification string) Decision {
	return Decision{Allowed: true, Verification: verification, Status: http.StatusOK}
}

func deny(status int, code, reason string) Decision {
	return Decision{Allowed: false, Verification: VerificationDenied, Status: status, Code: code, Reason: reason}
}

// Evaluate runs the admission algorithm. Signals are compared
// case-insensitively; an empty signal is never a mismatch.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	if routes.MatchAny(e.Config.BypassPatterns, req.Path) {
		return Decision{Allowed: true, Bypassed: true, Status: http.StatusOK}
	}
	if !req.Authenticated {
		return deny(http.StatusUnauthorized, "ERR_UNAUTHENTICATED", ReasonUnauthenticated)
	}

	pre := strings.TrimSpace(req.PreResolved)
	header := strings.TrimSpace(req.HeaderTenant)
	pathTenant := tenantFromPath(req.Path)
	claim := e.claimTenant(req.Principal)
	super := e.isSuperAdmin(req.Principal)

	if super && pre == "" && header == "" && pathTenant == "" && claim == "" {
		d := allow(VerificationSuperAdmin)
		d.SuperAdmin = true
		return d
	}

	if !super {
		if claim != "" {
			// The JWT claim is authoritative once present, but only
			// against non-empty competing signals.
			for _, other := range []string{pre, header, pathTenant} {
				if other != "" && !strings.EqualFold(other, claim) {
					return deny(http.StatusForbidden, "ERR_TENANT_DENIED", ReasonSignalConflict)
				}
			}
		} else {
			if header != "" && pathTenant != "" && !strings.EqualFold(header, pathTenant) {
				return deny(http.StatusForbidden, "ERR_TENANT_DENIED", ReasonSignalConflict)
			}
			if pre != "" && pathTenant != "" && !strings.EqualFold(pre, pathTenant) {
				return deny(http.StatusForbidden, "ERR_TENANT_DENIED", ReasonSignalConflict)
			}
		}
	}

	final := firstNonEmpty(pre, header, pathTenant, claim)
	if final == "" {
		if super {
			d := allow(VerificationSuperAdmin)
			d.SuperAdmin = true
			return d
		}
		return deny(http.StatusForbidden, "ERR_TENANT_DENIED", ReasonNoTenant)
	}

	access := e.Access.Resolve(ctx, final)
	if !access.Allowed() {
		reason := ReasonTenantUnknown
		switch access.Status {
		case tenant.StatusInactive:
			reason = ReasonTenantInactive
		case tenant.StatusSuspended:
			reason = ReasonTenantSuspended
		}
		d := deny(http.StatusForbidden, "ERR_TENANT_DENIED", reason)
		d.Tenant = final
		return d
	}

	// A super admin scoped to a tenant is limited like that tenant; the
	// operator escape hatch exists only when no tenant signal is present.
	adm := e.Rates.Admit(ctx, ratelimit.AdmitRequest{
		TenantID: tenant.NormalizeID(final),
		Tier:     access.Tier,
		IP:       req.IP,
		User:     req.Principal.Subject,
	})
	if !adm.Allowed {
		d := deny(http.StatusTooManyRequests, "ERR_RATE_LIMITED", ReasonRateLimited)
		d.Tenant = final
		d.Tier = access.Tier
		d.Limited = true
		d.Limit = adm.Decision.Limit
		d.Remaining = adm.Decision.Remaining
		return d
	}

	d := allow(final)
	d.Tenant = final
	d.Tier = access.Tier
	d.SuperAdmin = super
	d.Limited = adm.Limited
	d.Limit = adm.Decision.Limit
	d.Remaining = adm.Decision.Remaining
	return d
}

func (e *Engine) claimTenant(p auth.Principal) string {
	for _, name := range e.Config.ClaimNames {
		if v := p.Claim(name); v != "" {
			return v
		}
	}
	return ""
}

// isSuperAdmin matches the principal's authorities exactly against the
// configured super-admin authority strings.
func (e *Engine) isSuperAdmin(p auth.Principal) bool {
	for _, a := range p.Authorities {
		for _, s := range e.Config.SuperAdminAuthorities {
			if a == s {
				return true
			}
		}
	}
	return false
}

// tenantFromPath extracts the {id} from a /tenants/{id}/... path segment
// pair anywhere in the path.
func tenantFromPath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] == "tenants" && segs[i+1] != "" {
			return segs[i+1]
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
