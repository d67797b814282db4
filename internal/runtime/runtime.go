// Package runtime defines the abstract collaborators the control plane
// drives but does not own: ContainerRuntime, SecretSource, EventSource, and
// BlobStore (spec §6.2-§6.5). Concrete adapters (k8sruntime, s3blob) live in
// subpackages; the core only ever depends on these interfaces.
package runtime

import (
	"context"
	"time"
)

// LaunchSpec carries everything ContainerRuntime.Launch needs to start a
// worker (spec §6.2, §4.5 TaskLauncher).
type LaunchSpec struct {
	DispatchID  string
	Agent       string
	Image       string
	Env         map[string]string
	Mounts      []MountSpec
	MaxMemoryMB int
	MaxCPUUnits int
	Tags        map[string]string
	// Placeholder marks a warm-pool pre-provisioned slot not yet bound to
	// a dispatch (spec §4.4 "replenish ... in placeholder mode").
	Placeholder bool
}

// MountSpec describes one workspace mount the launcher composes
// (spec §4.5, WorkspaceHandler output).
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RuntimeState is the lifecycle state ContainerRuntime.Describe reports
// (spec §6.2).
type RuntimeState string

const (
	RuntimeStateRunning RuntimeState = "RUNNING"
	RuntimeStateStopped RuntimeState = "STOPPED"
	RuntimeStateUnknown RuntimeState = "UNKNOWN"
)

// Description is the result of ContainerRuntime.Describe.
type Description struct {
	State     RuntimeState
	ExitCode  *int
	StoppedAt *time.Time
}

// ContainerRuntime launches, stops, and describes worker instances
// (spec §6.2, component C5 — implemented externally to the core).
type ContainerRuntime interface {
	Launch(ctx context.Context, spec LaunchSpec) (runtimeHandle string, err error)
	Stop(ctx context.Context, runtimeHandle, reason string) error
	Describe(ctx context.Context, runtimeHandle string) (Description, error)
	// Bind delivers a dispatch's task and environment to a worker already
	// running under runtimeHandle (spec §4.6 step 7, "launch(record,
	// slot)" against a warm slot). It is what actually makes warm
	// acquisition pay off: the placeholder was started with no task, so
	// reusing its handle is only useful if the real task reaches it.
	Bind(ctx context.Context, runtimeHandle string, spec BindSpec) error
}

// BindSpec carries the task and environment TaskLauncher delivers to an
// already-running placeholder worker when reusing a warm slot.
type BindSpec struct {
	DispatchID string
	Task       string
	Env        map[string]string
}

// TerminationEvent is what EventSource delivers on worker exit
// (spec §6.3).
type TerminationEvent struct {
	RuntimeHandle string
	StopCode      string
	StopReason    string
	ExitCode      *int
	StoppedAt     time.Time
}

// TerminationHandler consumes termination events pushed by an EventSource.
type TerminationHandler func(ctx context.Context, ev TerminationEvent) error

// EventSource delivers termination events via a push callback,
// at-least-once and unordered (spec §6.3).
type EventSource interface {
	Subscribe(ctx context.Context, handler TerminationHandler) error
}

// BlobStore is the artifact object store (spec §6.4, component C14).
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get fetches an object's bytes directly, for reading back the
	// artifact manifest ArtifactPublisher wrote (spec §6.1 getArtifacts).
	Get(ctx context.Context, key string) ([]byte, error)
	Presign(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

// SecretSource resolves a secret handle to its plaintext bytes
// (spec §6.5, component C6). Resolved values must never be logged; callers
// must pass only handles to logging.Op and dispatcherr.
type SecretSource interface {
	Resolve(ctx context.Context, handle string) ([]byte, error)
}
