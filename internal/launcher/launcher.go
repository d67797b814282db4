// Package launcher implements TaskLauncher (spec §4.5, component C9): it
// composes a runtime.LaunchSpec from a dispatch record — merged environment,
// resolved secrets, workspace mounts, and ceiling-checked resource overrides
// — and invokes the ContainerRuntime. It also satisfies pool.Warmer so the
// same composition logic backs placeholder (pool-warming) launches.
//
// Adapted from the teacher's executor.Invoke pipeline (internal/executor/executor.go):
// parallel pre-fetch collapses here to two sequential calls (secrets resolve,
// workspace resolve) since neither depends on store round-trips the teacher
// needed to parallelize.
package launcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/dispatcherr"
	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/runtime"
	"github.com/dispatchd/dispatchd/internal/secrets"
	"github.com/dispatchd/dispatchd/internal/workspace"
)

// ErrSlotIncompatibleWorkspace is returned by Launch when a warm slot is
// offered for a dispatch whose workspace mode needs a mount. A running
// placeholder's mounts can't be retrofitted without restarting it, so the
// caller must release the slot and retry with slot=nil for a cold launch.
var ErrSlotIncompatibleWorkspace = errors.New("launcher: warm slot cannot be reused for a workspace mode requiring a mount")

// Result is what Launch produced: the runtime handle and any workspace
// lease. Launch also returns it alongside a bind or runtime launch error,
// with RuntimeHandle empty after a failed cold launch.
type Result struct {
	RuntimeHandle  string
	WorkspaceLease *workspace.Lease
}

// Launcher composes and launches worker containers for dispatches and, in
// placeholder mode, for warm-pool slots.
type Launcher struct {
	runtime   runtime.ContainerRuntime
	workspace *workspace.Handler
	secrets   *secrets.Resolver
	registry  *AgentRegistry
}

// New builds a Launcher.
func New(rt runtime.ContainerRuntime, ws *workspace.Handler, resolver *secrets.Resolver, registry *AgentRegistry) *Launcher {
	return &Launcher{runtime: rt, workspace: ws, secrets: resolver, registry: registry}
}

// Launch composes the launch descriptor for d and invokes the runtime
// (spec §4.5, §4.6 step 7). If slot is non-nil (a warm slot the pool
// already acquired for this dispatch), its already-running placeholder
// container is reused as-is — Bind delivers the actual task and env to it
// over the network instead of a fresh runtime.Launch — which is what makes
// a warm acquisition actually pay off the cold-start cost the pool exists
// to avoid. A placeholder's mounts are fixed at its own launch time, so a
// slot can only be reused when d's workspace mode needs no mount; otherwise
// Launch returns ErrSlotIncompatibleWorkspace and the caller must release
// the slot and retry with slot=nil. On any failure before the runtime
// call, no container is started and the returned error is classified
// LAUNCH; on a runtime launch failure, the same classification applies and
// the caller (Dispatcher) is responsible for transitioning the record to
// FAILED.
//
// The returned Result is non-nil whenever a workspace lease was acquired,
// even when err is also non-nil, so the caller can always release it
// regardless of outcome.
func (l *Launcher) Launch(ctx context.Context, d *domain.Dispatch, slot *domain.PoolSlot) (*Result, error) {
	profile, err := l.registry.Profile(d.Agent)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Launch, "resolve agent profile", err)
	}

	constraints, err := ApplyCeiling(d.Agent, profile.Ceiling, d.Constraints)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Launch, "resource constraints exceed ceiling", err)
	}

	env, err := l.composeEnv(ctx, d, profile)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Launch, "compose environment", err)
	}

	if slot != nil && slot.RuntimeHandle != "" {
		if d.WorkspaceMode != domain.WorkspaceNone {
			return nil, ErrSlotIncompatibleWorkspace
		}

		result := &Result{RuntimeHandle: slot.RuntimeHandle}
		bindSpec := runtime.BindSpec{DispatchID: d.DispatchID, Task: d.Task, Env: env}
		if err := l.runtime.Bind(ctx, slot.RuntimeHandle, bindSpec); err != nil {
			return result, dispatcherr.Wrap(dispatcherr.Launch, "bind warm slot", err)
		}
		return result, nil
	}

	mounts, lease, err := l.workspace.Resolve(ctx, d)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Launch, "resolve workspace mount", err)
	}
	result := &Result{WorkspaceLease: lease}

	spec := runtime.LaunchSpec{
		DispatchID:  d.DispatchID,
		Agent:       string(d.Agent),
		Image:       profile.Image,
		Env:         env,
		Mounts:      mounts,
		MaxMemoryMB: constraints.MaxMemoryMB,
		MaxCPUUnits: constraints.MaxCPUUnits,
		Tags:        launchTags(d),
	}

	handle, err := l.runtime.Launch(ctx, spec)
	if err != nil {
		return result, dispatcherr.Wrap(dispatcherr.Launch, "runtime launch", err)
	}

	result.RuntimeHandle = handle
	return result, nil
}

// composeEnv merges defaults, agent defaults, and resolved additionalSecrets
// (later wins), rejecting any additionalSecrets key that collides with a
// base env var (spec §4.5 "validated against deny-list ... and any key
// already present in the base env").
func (l *Launcher) composeEnv(ctx context.Context, d *domain.Dispatch, profile AgentProfile) (map[string]string, error) {
	env := map[string]string{
		"DISPATCHD_DISPATCH_ID": d.DispatchID,
		"DISPATCHD_TENANT_ID":   d.TenantID,
		"DISPATCHD_MODEL_ID":    d.ModelID,
		"DISPATCHD_TASK":        d.Task,
	}
	for k, v := range profile.DefaultEnv {
		env[k] = v
	}

	resolved, err := l.secrets.ResolveAdditionalSecrets(ctx, d.AdditionalSecrets)
	if err != nil {
		return nil, fmt.Errorf("resolve additional secrets: %w", err)
	}
	for k, v := range resolved {
		if _, exists := env[k]; exists {
			return nil, fmt.Errorf("additionalSecrets key %q collides with base env", k)
		}
		env[k] = v
	}
	return env, nil
}

func launchTags(d *domain.Dispatch) map[string]string {
	tags := make(map[string]string, len(d.Tags)+2)
	for k, v := range d.Tags {
		tags[k] = v
	}
	tags["dispatchId"] = d.DispatchID
	tags["tenantId"] = d.TenantID
	return tags
}

// WarmPlaceholder launches a placeholder worker for a warm-pool slot, not
// yet bound to any dispatch (spec §4.4 "replenish ... placeholder mode").
// It satisfies pool.Warmer.
func (l *Launcher) WarmPlaceholder(ctx context.Context, agent domain.Agent, slotID string) (string, error) {
	profile, err := l.registry.Profile(agent)
	if err != nil {
		return "", fmt.Errorf("resolve agent profile: %w", err)
	}

	spec := runtime.LaunchSpec{
		DispatchID:  slotID,
		Agent:       string(agent),
		Image:       profile.Image,
		Env:         profile.DefaultEnv,
		MaxMemoryMB: profile.Ceiling.MaxMemoryMB,
		MaxCPUUnits: profile.Ceiling.MaxCPUUnits,
		Tags:        map[string]string{"slotId": slotID},
		Placeholder: true,
	}
	return l.runtime.Launch(ctx, spec)
}

// StopPlaceholder stops a placeholder worker released from the pool.
func (l *Launcher) StopPlaceholder(ctx context.Context, runtimeHandle string) error {
	return l.runtime.Stop(ctx, runtimeHandle, "pool release")
}

// Healthy reports whether a placeholder's runtime instance is still
// running, used by the reaper to detect slots that silently died.
func (l *Launcher) Healthy(ctx context.Context, runtimeHandle string) bool {
	desc, err := l.runtime.Describe(ctx, runtimeHandle)
	if err != nil {
		return false
	}
	return desc.State == runtime.RuntimeStateRunning
}
