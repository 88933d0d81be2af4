package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portcullis/pkg/store"
)

const cacheKeyPrefix = "tenant-access:"

// Resolver is the cache-aside wrapper around the tenant directory. A
// directory outage degrades to a synthetic unknown/inactive record so the
// authorization step produces a predictable deny instead of an error.
type Resolver struct {
	Cache     store.Cache
	Directory Directory
	TTL       time.Duration // access record TTL, default 5 minutes
	Timeout   time.Duration // directory call budget, default 5 seconds
	Logger    zerolog.Logger
}

func unknownAccess() Access {
	return Access{Active: false, Status: StatusUnknown, Tier: "free", FetchedAt: time.Now().UTC()}
}

// Resolve returns the access record for the tenant, normalizing the ID first.
// Cache decode failures fall through to a directory re-fetch, never an error.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) Access {
	id := NormalizeID(tenantID)
	key := cacheKeyPrefix + id

	if r.Cache != nil {
		payload, err := r.Cache.Get(ctx, key)
		if err == nil {
			if access, decErr := DecodeAccess(payload); decErr == nil {
				return access
			}
			r.Logger.Warn().Str("tenant", id).Msg("corrupt cached access record, re-fetching")
		} else if !errors.Is(err, redis.Nil) {
			r.Logger.Warn().Err(err).Str("tenant", id).Msg("access cache read failed")
		}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rec, err := r.Directory.Lookup(lookupCtx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.Logger.Warn().Err(err).Str("tenant", id).Msg("tenant directory unavailable")
		}
		return unknownAccess()
	}

	access := Access{
		Active:      rec.Active,
		Status:      rec.Status,
		Tier:        DeriveTier(rec.Features, rec.Resources),
		Permissions: rec.Permissions,
		FetchedAt:   time.Now().UTC(),
	}
	r.writeBack(ctx, key, access)
	return access
}

// writeBack is best-effort: a cache-write failure must not fail the lookup.
func (r *Resolver) writeBack(ctx context.Context, key string, access Access) {
	if r.Cache == nil {
		return
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	payload, err := EncodeAccess(access)
	if err != nil {
		r.Logger.Warn().Err(err).Str("key", key).Msg("access record encode failed")
		return
	}
	if err := r.Cache.Set(ctx, key, payload, ttl); err != nil {
		r.Logger.Warn().Err(err).Str("key", key).Msg("access cache write failed")
	}
}

// Invalidate drops the cached record so the next request re-fetches.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string) error {
	if r.Cache == nil {
		return nil
	}
	return r.Cache.Del(ctx, cacheKeyPrefix+NormalizeID(tenantID))
}
