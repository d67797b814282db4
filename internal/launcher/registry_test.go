package launcher

import (
	"testing"

	"github.com/dispatchd/dispatchd/internal/domain"
)

func TestAgentRegistry_ResolveModel(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name    string
		modelID string
		want    string
		wantErr bool
	}{
		{"tier alias", "flagship", "claude-opus-x", false},
		{"concrete id passthrough", "claude-haiku-x", "claude-haiku-x", false},
		{"unknown model", "bogus", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveModel(domain.AgentClaude, tt.modelID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAgentRegistry_UnknownAgent(t *testing.T) {
	r := testRegistry()
	if _, err := r.Profile(domain.AgentGemini); err == nil {
		t.Fatal("expected unknown agent error")
	}
}

func TestApplyCeiling(t *testing.T) {
	ceiling := domain.ResourceConstraints{MaxMemoryMB: 4096, MaxCPUUnits: 4000, MaxDiskGB: 20}

	t.Run("nil requested uses ceiling", func(t *testing.T) {
		out, err := ApplyCeiling(domain.AgentClaude, ceiling, nil)
		if err != nil {
			t.Fatalf("apply ceiling: %v", err)
		}
		if out != ceiling {
			t.Errorf("got %+v, want %+v", out, ceiling)
		}
	})

	t.Run("within ceiling overrides", func(t *testing.T) {
		out, err := ApplyCeiling(domain.AgentClaude, ceiling, &domain.ResourceConstraints{MaxMemoryMB: 1024})
		if err != nil {
			t.Fatalf("apply ceiling: %v", err)
		}
		if out.MaxMemoryMB != 1024 {
			t.Errorf("got %d, want 1024", out.MaxMemoryMB)
		}
		if out.MaxCPUUnits != ceiling.MaxCPUUnits {
			t.Errorf("expected unspecified field to fall back to ceiling")
		}
	})

	t.Run("over ceiling rejected", func(t *testing.T) {
		_, err := ApplyCeiling(domain.AgentClaude, ceiling, &domain.ResourceConstraints{MaxMemoryMB: 8192})
		if err == nil {
			t.Fatal("expected over-ceiling error")
		}
	})
}
