package workspace

import (
	"context"
	"testing"

	"github.com/dispatchd/dispatchd/internal/domain"
)

func TestResolve_NoneHasNoMounts(t *testing.T) {
	h := New("/var/dispatchd", nil)
	mounts, lease, err := h.Resolve(context.Background(), &domain.Dispatch{WorkspaceMode: domain.WorkspaceNone})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if mounts != nil || lease != nil {
		t.Fatalf("expected no mounts/lease for none mode, got %v %v", mounts, lease)
	}
}

func TestResolve_MinimalMountsEphemeralDir(t *testing.T) {
	h := New("/var/dispatchd", nil)
	d := &domain.Dispatch{DispatchID: "dsp_1", WorkspaceMode: domain.WorkspaceMinimal}
	mounts, lease, err := h.Resolve(context.Background(), d)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected no lease for minimal mode")
	}
	if len(mounts) != 1 || mounts[0].Target != "/workspace" {
		t.Fatalf("unexpected mounts: %+v", mounts)
	}
}

func TestResolve_UnknownModeErrors(t *testing.T) {
	h := New("/var/dispatchd", nil)
	_, _, err := h.Resolve(context.Background(), &domain.Dispatch{WorkspaceMode: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown workspace mode")
	}
}

func TestRepoSlug(t *testing.T) {
	cases := map[string]string{
		"":                              "none",
		"github.com/acme/widgets":       "widgets",
		"git@github.com:acme/widgets.git": "widgets.git",
	}
	for in, want := range cases {
		if got := repoSlug(in); got != want {
			t.Errorf("repoSlug(%q) = %q, want %q", in, got, want)
		}
	}
}
