package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestIdempotencyStore(t *testing.T) *RedisIdempotencyStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := NewRedisIdempotencyStore(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("new idempotency store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisIdempotencyStore_ClaimIsExclusive(t *testing.T) {
	store := newTestIdempotencyStore(t)
	ctx := context.Background()

	owner, claimed, err := store.Claim(ctx, "tenant-1", "key-a", "dispatch-1", time.Hour)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed || owner != "dispatch-1" {
		t.Fatalf("expected fresh claim by dispatch-1, got owner=%q claimed=%v", owner, claimed)
	}

	owner, claimed, err = store.Claim(ctx, "tenant-1", "key-a", "dispatch-2", time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed || owner != "dispatch-1" {
		t.Fatalf("expected replay to return existing owner dispatch-1, got owner=%q claimed=%v", owner, claimed)
	}
}

func TestRedisIdempotencyStore_LookupAndRelease(t *testing.T) {
	store := newTestIdempotencyStore(t)
	ctx := context.Background()

	if _, err := store.Lookup(ctx, "tenant-1", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, _, err := store.Claim(ctx, "tenant-1", "key-b", "dispatch-9", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	owner, err := store.Lookup(ctx, "tenant-1", "key-b")
	if err != nil || owner != "dispatch-9" {
		t.Fatalf("expected dispatch-9, got owner=%q err=%v", owner, err)
	}

	if err := store.Release(ctx, "tenant-1", "key-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.Lookup(ctx, "tenant-1", "key-b"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
}

func TestRedisIdempotencyStore_ScopedPerTenant(t *testing.T) {
	store := newTestIdempotencyStore(t)
	ctx := context.Background()

	if _, _, err := store.Claim(ctx, "tenant-a", "shared-key", "dispatch-a", time.Hour); err != nil {
		t.Fatalf("claim tenant-a: %v", err)
	}
	owner, claimed, err := store.Claim(ctx, "tenant-b", "shared-key", "dispatch-b", time.Hour)
	if err != nil {
		t.Fatalf("claim tenant-b: %v", err)
	}
	if !claimed || owner != "dispatch-b" {
		t.Fatalf("expected independent claim per tenant, got owner=%q claimed=%v", owner, claimed)
	}
}
