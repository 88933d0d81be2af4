package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TierRule is the fixed-window budget for one subscription tier.
type TierRule struct {
	Capacity int
	Window   time.Duration
}

// GlobalRule is the gateway-wide limiter configuration. The window length is
// implied by capacity and an equivalent refill rate.
type GlobalRule struct {
	Strategy        string // "tenant", "ip" or "user"
	Capacity        int
	RefillPerMinute int
}

// Window returns ceil(capacity * 60 / refillPerMinute) seconds.
func (g GlobalRule) Window() time.Duration {
	if g.Capacity <= 0 || g.RefillPerMinute <= 0 {
		return time.Minute
	}
	secs := (g.Capacity*60 + g.RefillPerMinute - 1) / g.RefillPerMinute
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// AdmitRequest carries the per-request inputs for both limiters.
type AdmitRequest struct {
	TenantID   string
	Tier       string
	SuperAdmin bool
	IP         string
	User       string
}

// Admission is the combined tier+global outcome. Scope names the limiter
// that rejected ("tier" or "global"); Limited is false when no rule applied,
// in which case the rate headers are omitted.
type Admission struct {
	Allowed  bool
	Limited  bool
	Scope    string
	Decision Decision
}

// Controller enforces per-tenant-tier and global fixed-window limits.
// Counter-store failures fail open: availability of the gateway takes
// priority over strict limiting when the store itself is down.
type Controller struct {
	Limiter Limiter
	Tiers   map[string]TierRule
	Global  *GlobalRule
	Logger  zerolog.Logger
}

func (c *Controller) Admit(ctx context.Context, req AdmitRequest) Admission {
	if req.SuperAdmin {
		return Admission{Allowed: true}
	}
	out := Admission{Allowed: true}
	if c.Limiter == nil {
		return out
	}
	if rule, ok := c.Tiers[req.Tier]; ok && rule.Capacity >= 1 {
		d, err := c.Limiter.Allow(ctx, "tenant-tier:"+req.Tier+":"+req.TenantID, rule.Capacity, rule.Window)
		switch {
		case err != nil:
			c.Logger.Warn().Err(err).Str("tenant", req.TenantID).Str("tier", req.Tier).
				Msg("tier limiter unavailable, failing open")
		case !d.Allowed:
			return Admission{Allowed: false, Limited: true, Scope: "tier", Decision: d}
		default:
			out.Limited = true
			out.Scope = "tier"
			out.Decision = d
		}
	}
	if c.Global != nil && c.Global.Capacity >= 1 {
		key := c.globalKey(req)
		if key != "" {
			d, err := c.Limiter.Allow(ctx, key, c.Global.Capacity, c.Global.Window())
			switch {
			case err != nil:
				c.Logger.Warn().Err(err).Str("key", key).Msg("global limiter unavailable, failing open")
			case !d.Allowed:
				return Admission{Allowed: false, Limited: true, Scope: "global", Decision: d}
			default:
				if !out.Limited {
					out.Limited = true
					out.Scope = "global"
					out.Decision = d
				}
			}
		}
	}
	return out
}

func (c *Controller) globalKey(req AdmitRequest) string {
	strategy := c.Global.Strategy
	if strategy == "" {
		strategy = "tenant"
	}
	var resolved string
	switch strategy {
	case "ip":
		resolved = req.IP
	case "user":
		resolved = req.User
	default:
		strategy = "tenant"
		resolved = req.TenantID
	}
	if resolved == "" {
		return ""
	}
	return strategy + ":" + resolved
}
