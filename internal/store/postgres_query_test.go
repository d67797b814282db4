package store

import (
	"strings"
	"testing"

	"github.com/dispatchd/dispatchd/internal/domain"
)

func TestBuildDispatchListQuery_BasicFilters(t *testing.T) {
	q := DispatchQuery{TenantID: "tenant-1", Namespace: "default", Status: []domain.Status{domain.StatusRunning}}
	query, args := buildDispatchListQuery(q)

	if !strings.Contains(query, "d.tenant_id = $1") {
		t.Errorf("expected tenant filter, got %q", query)
	}
	if !strings.Contains(query, "d.namespace = $2") {
		t.Errorf("expected namespace filter, got %q", query)
	}
	if !strings.Contains(query, "d.status = ANY($3)") {
		t.Errorf("expected status filter, got %q", query)
	}
	if len(args) != 4 { // tenant, namespace, status, limit
		t.Fatalf("expected 4 args, got %d: %v", len(args), args)
	}
}

func TestBuildDispatchListQuery_TagsANDJoin(t *testing.T) {
	q := DispatchQuery{
		TenantID: "tenant-1",
		Tags:     map[string]string{"env": "prod", "team": "infra"},
	}
	query, args := buildDispatchListQuery(q)

	if strings.Count(query, "JOIN dispatch_tags") != 2 {
		t.Fatalf("expected one join per tag, got query %q", query)
	}
	// 1 tenant + 2 tags * 2 args each + 1 limit = 6
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d: %v", len(args), args)
	}
}

func TestBuildDispatchListQuery_DeterministicTagOrder(t *testing.T) {
	q := DispatchQuery{Tags: map[string]string{"z": "1", "a": "2", "m": "3"}}
	query1, _ := buildDispatchListQuery(q)
	query2, _ := buildDispatchListQuery(q)
	if query1 != query2 {
		t.Fatalf("expected stable query across calls, got:\n%s\nvs\n%s", query1, query2)
	}
}

func TestBuildDispatchListQuery_DefaultLimit(t *testing.T) {
	query, args := buildDispatchListQuery(DispatchQuery{})
	if !strings.Contains(query, "LIMIT $1") {
		t.Errorf("expected a LIMIT clause, got %q", query)
	}
	if args[len(args)-1] != 50 {
		t.Errorf("expected default limit 50, got %v", args[len(args)-1])
	}
}

func TestBuildDispatchListQuery_OffsetAppended(t *testing.T) {
	query, args := buildDispatchListQuery(DispatchQuery{Limit: 10, Offset: 20})
	if !strings.Contains(query, "OFFSET") {
		t.Errorf("expected OFFSET clause, got %q", query)
	}
	if args[len(args)-1] != 20 {
		t.Errorf("expected offset as last arg, got %v", args[len(args)-1])
	}
}
