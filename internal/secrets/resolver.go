package secrets

import (
	"context"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/runtime"
)

// Resolver turns a dispatch's additionalSecrets map (env var name -> secret
// handle) into the plaintext env vars TaskLauncher injects into the worker
// (spec §4.5, §6.5). It depends only on runtime.SecretSource so any backing
// vault can be substituted.
type Resolver struct {
	source runtime.SecretSource
}

// NewResolver builds a Resolver over the given secret source.
func NewResolver(source runtime.SecretSource) *Resolver {
	return &Resolver{source: source}
}

// ResolveAdditionalSecrets resolves every handle in additionalSecrets and
// returns the env vars to merge into the worker's environment. The returned
// map's values are plaintext secret bytes as strings — callers must never
// log this map, only its keys (env var names) or the original handles.
func (r *Resolver) ResolveAdditionalSecrets(ctx context.Context, additionalSecrets map[string]string) (map[string]string, error) {
	if len(additionalSecrets) == 0 {
		return nil, nil
	}

	resolved := make(map[string]string, len(additionalSecrets))
	for envVar, handle := range additionalSecrets {
		value, err := r.source.Resolve(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("resolve secret for %s: %w", envVar, err)
		}
		resolved[envVar] = string(value)
	}
	return resolved, nil
}
