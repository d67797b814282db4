package artifact

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
)

type fakeBlobStore struct {
	puts map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{puts: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.puts[key] = cp
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	return f.puts[key], nil
}

func (f *fakeBlobStore) Presign(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	return "https://blobs.example/" + key, nil
}

func TestPublish_UploadsPresentFilesAndSetsArtifactHandle(t *testing.T) {
	baseDir := t.TempDir()
	d := &domain.Dispatch{
		DispatchID:    "disp_abc123",
		TenantID:      "tenant1",
		WorkspaceMode: domain.WorkspaceMinimal,
	}

	dir := filepath.Join(baseDir, "ephemeral", d.DispatchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout.log"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	// diff.patch intentionally absent: publisher must tolerate missing files.

	blobs := newFakeBlobStore()
	pub := New(blobs, baseDir)

	if err := pub.Publish(context.Background(), d); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if d.ArtifactHandle == "" {
		t.Fatal("expected ArtifactHandle to be set")
	}

	manifestBytes, ok := blobs.puts[d.ArtifactHandle]
	if !ok {
		t.Fatalf("expected manifest uploaded at %s", d.ArtifactHandle)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(manifest.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts (stdout + metadata), got %d: %+v", len(manifest.Artifacts), manifest.Artifacts)
	}
}

func TestPublish_IsIdempotentAcrossRepeatedCalls(t *testing.T) {
	baseDir := t.TempDir()
	d := &domain.Dispatch{DispatchID: "disp_repeat", TenantID: "tenant1", WorkspaceMode: domain.WorkspaceMinimal}

	dir := filepath.Join(baseDir, "ephemeral", d.DispatchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout.log"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("write stdout: %v", err)
	}

	blobs := newFakeBlobStore()
	pub := New(blobs, baseDir)

	if err := pub.Publish(context.Background(), d); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	firstHandle := d.ArtifactHandle

	d2 := &domain.Dispatch{DispatchID: d.DispatchID, TenantID: d.TenantID, WorkspaceMode: d.WorkspaceMode}
	if err := pub.Publish(context.Background(), d2); err != nil {
		t.Fatalf("second Publish: %v", err)
	}

	if d2.ArtifactHandle != firstHandle {
		t.Fatalf("expected same artifact handle on re-publish, got %s vs %s", d2.ArtifactHandle, firstHandle)
	}
	if len(blobs.puts) != 2 { // stdout.log + manifest.json, re-uploaded to the same keys
		t.Fatalf("expected 2 distinct blob keys after re-publish, got %d", len(blobs.puts))
	}
}

func TestPublish_PersistentWorkspaceUsesRepoSlugDir(t *testing.T) {
	baseDir := t.TempDir()
	d := &domain.Dispatch{
		DispatchID:    "disp_persist",
		TenantID:      "tenant2",
		Repo:          "git@example.com:org/myrepo.git",
		WorkspaceMode: domain.WorkspacePersistent,
	}

	dir := filepath.Join(baseDir, "persistent", d.TenantID, "myrepo.git")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "diff.patch"), []byte("diff --git a b\n"), 0o644); err != nil {
		t.Fatalf("write diff: %v", err)
	}

	blobs := newFakeBlobStore()
	pub := New(blobs, baseDir)

	if err := pub.Publish(context.Background(), d); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if d.ArtifactHandle == "" {
		t.Fatal("expected ArtifactHandle to be set")
	}
}
