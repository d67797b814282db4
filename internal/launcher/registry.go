package launcher

import "github.com/dispatchd/dispatchd/internal/domain"

// AgentProfile is the static per-agent configuration TaskLauncher consults
// when composing a launch descriptor: which image runs the worker, what
// env vars every dispatch gets by default, the tier-alias-to-concrete-model
// registry, and the resource ceiling callers may not exceed (spec §4.5,
// §4.6 step 2, GLOSSARY: Agent, Tier alias).
type AgentProfile struct {
	Agent      domain.Agent
	Image      string
	DefaultEnv map[string]string
	Models     map[domain.ModelTier]string
	Ceiling    domain.ResourceConstraints
}

// AgentRegistry resolves tier aliases and enforces resource ceilings for a
// closed set of agents.
type AgentRegistry struct {
	profiles map[domain.Agent]AgentProfile
}

// NewAgentRegistry builds a registry from the given profiles.
func NewAgentRegistry(profiles []AgentProfile) *AgentRegistry {
	byAgent := make(map[domain.Agent]AgentProfile, len(profiles))
	for _, p := range profiles {
		byAgent[p.Agent] = p
	}
	return &AgentRegistry{profiles: byAgent}
}

// ErrUnknownAgent is returned when an agent has no registered profile.
type ErrUnknownAgent struct{ Agent domain.Agent }

func (e *ErrUnknownAgent) Error() string { return "launcher: unknown agent " + string(e.Agent) }

// ErrUnknownModel is returned when modelID is neither a tier alias nor a
// concrete id registered for the agent.
type ErrUnknownModel struct {
	Agent   domain.Agent
	ModelID string
}

func (e *ErrUnknownModel) Error() string {
	return "launcher: unknown model " + e.ModelID + " for agent " + string(e.Agent)
}

// Profile returns the registered profile for agent.
func (r *AgentRegistry) Profile(agent domain.Agent) (AgentProfile, error) {
	p, ok := r.profiles[agent]
	if !ok {
		return AgentProfile{}, &ErrUnknownAgent{Agent: agent}
	}
	return p, nil
}

// ResolveModel accepts either a tier alias (flagship/balanced/fast) or a
// concrete model id already present in the agent's allow-list, and returns
// the concrete id to launch with (spec §4.6 step 2).
func (r *AgentRegistry) ResolveModel(agent domain.Agent, modelID string) (string, error) {
	p, err := r.Profile(agent)
	if err != nil {
		return "", err
	}

	if concrete, ok := p.Models[domain.ModelTier(modelID)]; ok {
		return concrete, nil
	}
	for _, concrete := range p.Models {
		if concrete == modelID {
			return concrete, nil
		}
	}
	return "", &ErrUnknownModel{Agent: agent, ModelID: modelID}
}

// ErrOverCeiling is returned when requested constraints exceed the agent's
// resource ceiling.
type ErrOverCeiling struct {
	Agent   domain.Agent
	Field   string
	Want    int
	Ceiling int
}

func (e *ErrOverCeiling) Error() string {
	return "launcher: " + e.Field + " exceeds ceiling for agent " + string(e.Agent)
}

// ApplyCeiling merges the caller's constraints onto the agent's ceiling,
// rejecting any field that asks for more than the ceiling allows (spec
// §4.5 "reject if caller requests above ceiling").
func ApplyCeiling(agent domain.Agent, ceiling domain.ResourceConstraints, requested *domain.ResourceConstraints) (domain.ResourceConstraints, error) {
	out := ceiling
	if requested == nil {
		return out, nil
	}
	if requested.MaxMemoryMB > 0 {
		if requested.MaxMemoryMB > ceiling.MaxMemoryMB {
			return out, &ErrOverCeiling{Agent: agent, Field: "maxMemoryMB", Want: requested.MaxMemoryMB, Ceiling: ceiling.MaxMemoryMB}
		}
		out.MaxMemoryMB = requested.MaxMemoryMB
	}
	if requested.MaxCPUUnits > 0 {
		if requested.MaxCPUUnits > ceiling.MaxCPUUnits {
			return out, &ErrOverCeiling{Agent: agent, Field: "maxCPUUnits", Want: requested.MaxCPUUnits, Ceiling: ceiling.MaxCPUUnits}
		}
		out.MaxCPUUnits = requested.MaxCPUUnits
	}
	if requested.MaxDiskGB > 0 {
		if requested.MaxDiskGB > ceiling.MaxDiskGB {
			return out, &ErrOverCeiling{Agent: agent, Field: "maxDiskGB", Want: requested.MaxDiskGB, Ceiling: ceiling.MaxDiskGB}
		}
		out.MaxDiskGB = requested.MaxDiskGB
	}
	return out, nil
}
