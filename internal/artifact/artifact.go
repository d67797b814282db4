// Package artifact implements ArtifactPublisher (C14, spec §4.10): on
// terminal-success transition, collects the worker's output files from its
// workspace directory and promotes them to the blob store under a
// content-addressed key, recording a retrievable manifest handle on the
// dispatch record.
//
// Grounded on the workspace directory layout in internal/workspace/workspace.go
// and the hashing helpers the teacher already carried in
// internal/pkg/crypto/hash.go and internal/pkg/fsutil/hash.go, repurposed
// here for content-addressed blob keys instead of the teacher's
// change-detection use.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/pkg/crypto"
	"github.com/dispatchd/dispatchd/internal/pkg/fsutil"
	"github.com/dispatchd/dispatchd/internal/runtime"
)

// fileEntries are the conventional output files a worker leaves in its
// workspace directory (spec §4.10 "collects (stdout, diff, metadata.json)").
var fileEntries = []struct {
	name        string
	contentType string
}{
	{"stdout.log", "text/plain; charset=utf-8"},
	{"diff.patch", "text/x-diff"},
	{"metadata.json", "application/json"},
}

// ManifestEntry describes one uploaded artifact blob (spec §6.1 getArtifacts
// response shape: "array of {type, handle, expiresAt, sizeBytes,
// contentType}").
type ManifestEntry struct {
	Type        string `json:"type"`
	Handle      string `json:"handle"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	Sha256      string `json:"sha256"`
}

// Manifest is the object uploaded under a dispatch's ArtifactHandle key; it
// lists every individual artifact blob so getArtifacts can presign each one.
type Manifest struct {
	DispatchID string          `json:"dispatch_id"`
	Artifacts  []ManifestEntry `json:"artifacts"`
}

// Publisher uploads terminal-dispatch workspace outputs to BlobStore
// (spec §6.4).
type Publisher struct {
	blobs   runtime.BlobStore
	baseDir string
}

// New builds a Publisher rooted at baseDir, the same working-tree root
// workspace.Handler uses.
func New(blobs runtime.BlobStore, baseDir string) *Publisher {
	return &Publisher{blobs: blobs, baseDir: baseDir}
}

// Publish collects whichever of stdout.log/diff.patch/metadata.json exist in
// d's workspace directory, uploads each under a content-addressed key, and
// sets d.ArtifactHandle to the manifest's key. Re-running Publish for the
// same dispatch content re-derives the same keys, so repeated delivery is
// safe (spec §8 L2 "publishArtifact(d); publishArtifact(d) ⇒ same
// artifactHandle, no duplicate blob").
func (p *Publisher) Publish(ctx context.Context, d *domain.Dispatch) error {
	dir := workspaceDir(p.baseDir, d)
	prefix := crypto.HashString(d.DispatchID)

	var entries []ManifestEntry
	for _, fe := range fileEntries {
		path := filepath.Join(dir, fe.name)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat artifact %s: %w", fe.name, err)
		}

		sum, err := fsutil.HashFile(path)
		if err != nil {
			return fmt.Errorf("hash artifact %s: %w", fe.name, err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", fe.name, err)
		}

		key := fmt.Sprintf("dispatches/%s/%s", prefix, fe.name)
		if err := p.blobs.Put(ctx, key, data, fe.contentType); err != nil {
			return fmt.Errorf("upload artifact %s: %w", fe.name, err)
		}

		entries = append(entries, ManifestEntry{
			Type:        fe.name,
			Handle:      key,
			SizeBytes:   info.Size(),
			ContentType: fe.contentType,
			Sha256:      sum,
		})
	}

	manifest := Manifest{DispatchID: d.DispatchID, Artifacts: entries}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal artifact manifest: %w", err)
	}

	manifestKey := fmt.Sprintf("dispatches/%s/manifest.json", prefix)
	if err := p.blobs.Put(ctx, manifestKey, manifestBytes, "application/json"); err != nil {
		return fmt.Errorf("upload artifact manifest: %w", err)
	}

	logging.Op().Info("published artifacts", "dispatch_id", d.DispatchID, "count", len(entries), "handle", manifestKey)
	d.ArtifactHandle = manifestKey
	return nil
}

func workspaceDir(baseDir string, d *domain.Dispatch) string {
	switch d.WorkspaceMode {
	case domain.WorkspacePersistent:
		return filepath.Join(baseDir, "persistent", d.TenantID, repoSlug(d.Repo))
	default:
		return filepath.Join(baseDir, "ephemeral", d.DispatchID)
	}
}

func repoSlug(repo string) string {
	if repo == "" {
		return "none"
	}
	return filepath.Base(repo)
}
