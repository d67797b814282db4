package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cipher, err := NewCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return NewStore(client, cipher)
}

func TestStore_SetThenResolveRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "github-token", []byte("ghp_abc123")); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Resolve(ctx, "github-token")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(got) != "ghp_abc123" {
		t.Fatalf("resolve = %q, want ghp_abc123", got)
	}
}

func TestStore_ResolveUnknownHandleIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Resolve(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestStore_DeleteRemovesHandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "npm-token", []byte("npm_xyz")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, "npm-token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Resolve(ctx, "npm-token"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound after delete, got %v", err)
	}
}

func TestStore_ExistsAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "api-key")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("expected api-key to not exist yet")
	}

	if err := s.Set(ctx, "api-key", []byte("sk-live-xxx")); err != nil {
		t.Fatalf("set: %v", err)
	}

	exists, err = s.Exists(ctx, "api-key")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("expected api-key to exist")
	}

	handles, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, ok := handles["api-key"]; !ok {
		t.Fatalf("expected api-key in handle index, got %v", handles)
	}
}
