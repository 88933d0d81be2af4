package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portcullis/pkg/store"
)

type fakeDirectory struct {
	record  DirectoryRecord
	err     error
	lookups int
}

func (d *fakeDirectory) Lookup(ctx context.Context, tenantID string) (DirectoryRecord, error) {
	d.lookups++
	if d.err != nil {
		return DirectoryRecord{}, d.err
	}
	return d.record, nil
}

func newResolver(dir Directory) (*Resolver, *store.MemoryCache) {
	cache := store.NewMemoryCache()
	return &Resolver{
		Cache:     cache,
		Directory: dir,
		TTL:       time.Minute,
		Timeout:   time.Second,
		Logger:    zerolog.Nop(),
	}, cache
}

func TestResolveFetchesAndCaches(t *testing.T) {
	dir := &fakeDirectory{record: DirectoryRecord{
		Active:   true,
		Status:   StatusActive,
		Features: []string{"tier:gold"},
	}}
	r, cache := newResolver(dir)
	ctx := context.Background()

	access := r.Resolve(ctx, "  Acme  ")
	if !access.Active || access.Tier != "gold" {
		t.Fatalf("unexpected access: %+v", access)
	}
	if dir.lookups != 1 {
		t.Fatalf("expected one directory lookup, got %d", dir.lookups)
	}

	payload, err := cache.Get(ctx, "tenant-access:acme")
	if err != nil {
		t.Fatalf("cached record missing: %v", err)
	}
	if _, err := DecodeAccess(payload); err != nil {
		t.Fatalf("cached record does not decode: %v", err)
	}

	r.Resolve(ctx, "ACME")
	if dir.lookups != 1 {
		t.Fatalf("second resolve must hit the cache, got %d lookups", dir.lookups)
	}
}

func TestResolveCorruptCacheRefetches(t *testing.T) {
	dir := &fakeDirectory{record: DirectoryRecord{Active: true, Status: StatusActive}}
	r, cache := newResolver(dir)
	ctx := context.Background()
	if err := cache.Set(ctx, "tenant-access:acme", "{{garbage", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}

	access := r.Resolve(ctx, "acme")
	if !access.Active || dir.lookups != 1 {
		t.Fatalf("corrupt entry must trigger a re-fetch: %+v lookups=%d", access, dir.lookups)
	}
	payload, err := cache.Get(ctx, "tenant-access:acme")
	if err != nil {
		t.Fatalf("repaired record missing: %v", err)
	}
	if _, err := DecodeAccess(payload); err != nil {
		t.Fatalf("repaired record does not decode: %v", err)
	}
}

func TestResolveDirectoryOutageDegrades(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("connection refused")}
	r, cache := newResolver(dir)
	ctx := context.Background()

	access := r.Resolve(ctx, "acme")
	if access.Active || access.Status != StatusUnknown || access.Tier != "free" {
		t.Fatalf("expected synthetic unknown record, got %+v", access)
	}
	if _, err := cache.Get(ctx, "tenant-access:acme"); err == nil {
		t.Fatal("synthetic record must not be cached")
	}

	dir.err = nil
	dir.record = DirectoryRecord{Active: true, Status: StatusActive}
	if access := r.Resolve(ctx, "acme"); !access.Active {
		t.Fatalf("recovery fetch must not be poisoned, got %+v", access)
	}
}

func TestResolveNotFoundDegrades(t *testing.T) {
	dir := &fakeDirectory{err: ErrNotFound}
	r, _ := newResolver(dir)
	access := r.Resolve(context.Background(), "ghost")
	if access.Allowed() || access.Status != StatusUnknown {
		t.Fatalf("unknown tenant must not be admitted: %+v", access)
	}
}

func TestInvalidateDropsCachedRecord(t *testing.T) {
	dir := &fakeDirectory{record: DirectoryRecord{Active: true, Status: StatusActive}}
	r, _ := newResolver(dir)
	ctx := context.Background()

	r.Resolve(ctx, "acme")
	if err := r.Invalidate(ctx, "ACME "); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	r.Resolve(ctx, "acme")
	if dir.lookups != 2 {
		t.Fatalf("expected re-fetch after invalidation, got %d lookups", dir.lookups)
	}
}
