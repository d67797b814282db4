package secrets

import (
	"context"
	"errors"
	"testing"
)

type fakeSecretSource struct {
	values map[string][]byte
}

func (f *fakeSecretSource) Resolve(ctx context.Context, handle string) ([]byte, error) {
	v, ok := f.values[handle]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return v, nil
}

func TestResolver_ResolveAdditionalSecrets(t *testing.T) {
	source := &fakeSecretSource{values: map[string][]byte{
		"handle-a": []byte("token-a"),
		"handle-b": []byte("token-b"),
	}}
	r := NewResolver(source)

	resolved, err := r.ResolveAdditionalSecrets(context.Background(), map[string]string{
		"GITHUB_TOKEN": "handle-a",
		"NPM_TOKEN":    "handle-b",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["GITHUB_TOKEN"] != "token-a" || resolved["NPM_TOKEN"] != "token-b" {
		t.Fatalf("unexpected resolved env vars: %v", resolved)
	}
}

func TestResolver_ResolveAdditionalSecretsEmptyReturnsNil(t *testing.T) {
	r := NewResolver(&fakeSecretSource{})
	resolved, err := r.ResolveAdditionalSecrets(context.Background(), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != nil {
		t.Fatalf("expected nil, got %v", resolved)
	}
}

func TestResolver_UnknownHandlePropagatesError(t *testing.T) {
	r := NewResolver(&fakeSecretSource{values: map[string][]byte{}})
	_, err := r.ResolveAdditionalSecrets(context.Background(), map[string]string{"X": "missing"})
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}
