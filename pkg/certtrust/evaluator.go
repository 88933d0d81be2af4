package certtrust

import (
	"context"
	"crypto/x509"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Evaluator verifies presented client certificates against the tenant's
// trusted records, loaded through a per-tenant TTL cache. Registry failure
// is treated as "no trusted certs": certificate trust is a hard security
// boundary and always fails closed.
type Evaluator struct {
	Registry  Registry
	TTL       time.Duration // cached record list TTL, default 5 minutes
	ClockSkew time.Duration // validity window tolerance
	Timeout   time.Duration // registry call budget, default 5 seconds
	Logger    zerolog.Logger
	Now       func() time.Time // test hook, defaults to time.Now

	mu    sync.RWMutex
	cache map[string]cachedRecords
	group singleflight.Group
}

type cachedRecords struct {
	records   []Record
	expiresAt time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// IsTrusted reports whether at least one cached record matches the
// presented leaf certificate.
func (e *Evaluator) IsTrusted(ctx context.Context, tenantID string, cert *x509.Certificate) bool {
	if cert == nil || tenantID == "" {
		return false
	}
	records, err := e.records(ctx, tenantID)
	if err != nil {
		e.Logger.Warn().Err(err).Str("tenant", tenantID).Msg("certificate registry unreachable, denying")
		return false
	}
	now := e.now()
	for _, rec := range records {
		if rec.Matches(cert, now, e.ClockSkew) {
			return true
		}
	}
	return false
}

// records returns the tenant's record list, collapsing concurrent misses
// for the same tenant into one registry read. Errors are never cached.
func (e *Evaluator) records(ctx context.Context, tenantID string) ([]Record, error) {
	now := e.now()
	e.mu.RLock()
	cached, ok := e.cache[tenantID]
	e.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.records, nil
	}

	v, err, _ := e.group.Do(tenantID, func() (interface{}, error) {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		records, err := e.Registry.Certificates(callCtx, tenantID)
		if err != nil {
			return nil, err
		}
		ttl := e.TTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		e.mu.Lock()
		if e.cache == nil {
			e.cache = map[string]cachedRecords{}
		}
		e.cache[tenantID] = cachedRecords{records: records, expiresAt: e.now().Add(ttl)}
		e.mu.Unlock()
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	records, _ := v.([]Record)
	return records, nil
}
