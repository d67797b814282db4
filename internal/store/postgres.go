package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispatchd/dispatchd/internal/domain"
)

// PostgresStore is the Postgres-backed DispatchRepository and
// PoolRepository. Conditional writes use a WHERE version=$n guard rather
// than row locks, consistent with the teacher's optimistic-update style in
// store/async_invocations.go.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool, pings it, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns, minConns int32) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		poolCfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatches (
			dispatch_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			idempotency_key TEXT,
			data JSONB NOT NULL,
			status TEXT NOT NULL,
			runtime_handle TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			ttl TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_tenant ON dispatches(tenant_id, namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_status ON dispatches(status)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_runtime_handle ON dispatches(runtime_handle)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_started_at ON dispatches(started_at) WHERE started_at IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS dispatch_tags (
			dispatch_id TEXT NOT NULL REFERENCES dispatches(dispatch_id) ON DELETE CASCADE,
			tenant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (dispatch_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_tags_lookup ON dispatch_tags(tenant_id, key, value)`,
		`CREATE TABLE IF NOT EXISTS pool_slots (
			slot_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			state TEXT NOT NULL,
			acquired_by TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			last_healthy_at TIMESTAMPTZ NOT NULL,
			ttl TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_slots_agent_state ON pool_slots(agent, state)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- DispatchRepository -----------------------------------------------

func (s *PostgresStore) Create(ctx context.Context, d *domain.Dispatch) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO dispatches (
			dispatch_id, tenant_id, namespace, idempotency_key, data, status,
			runtime_handle, version, created_at, started_at, ended_at, ttl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.DispatchID, d.TenantID, d.Namespace, nullIfEmpty(d.IdempotencyKey), data, string(d.Status),
		nullIfEmpty(d.RuntimeHandle), d.Version, d.CreatedAt, d.StartedAt, d.EndedAt, d.TTL)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}

	for k, v := range d.Tags {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispatch_tags (dispatch_id, tenant_id, key, value) VALUES ($1, $2, $3, $4)
		`, d.DispatchID, d.TenantID, k, v); err != nil {
			return fmt.Errorf("insert dispatch tag: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create dispatch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, dispatchID string) (*domain.Dispatch, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM dispatches WHERE dispatch_id = $1 AND tenant_id = $2
	`, dispatchID, tenantID).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	var d domain.Dispatch
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch: %w", err)
	}
	return &d, nil
}

// UpdateConditional loads the row, applies mutate, then writes it back
// guarded by WHERE version=$n (spec §4.2, §7 STALE_VERSION). The pattern
// mirrors the teacher's claimIdempotencyKey optimistic-update shape in
// store/async_invocations.go, generalized from a single INSERT..ON CONFLICT
// to a read-modify-conditional-write cycle.
func (s *PostgresStore) UpdateConditional(ctx context.Context, tenantID, dispatchID string, expectedVersion int, mutate func(d *domain.Dispatch) error) (*domain.Dispatch, error) {
	d, err := s.Get(ctx, tenantID, dispatchID)
	if err != nil {
		return nil, err
	}
	if d.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if err := mutate(d); err != nil {
		return nil, err
	}
	d.Version++

	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE dispatches SET
			data = $1, status = $2, runtime_handle = $3, version = $4,
			started_at = $5, ended_at = $6
		WHERE dispatch_id = $7 AND tenant_id = $8 AND version = $9
	`, data, string(d.Status), nullIfEmpty(d.RuntimeHandle), d.Version, d.StartedAt, d.EndedAt,
		dispatchID, tenantID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update dispatch: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update dispatch: %w", err)
	}
	return d, nil
}

// buildDispatchListQuery renders List's SQL and positional args. Split out
// as a pure function so the tag-join / filter composition (spec §4.2, OQ3)
// can be verified without a live database.
func buildDispatchListQuery(q DispatchQuery) (string, []any) {
	var sb strings.Builder
	args := []any{}
	sb.WriteString(`SELECT d.data FROM dispatches d`)

	where := []string{}
	if q.TenantID != "" {
		args = append(args, q.TenantID)
		where = append(where, fmt.Sprintf("d.tenant_id = $%d", len(args)))
	}
	if q.Namespace != "" {
		args = append(args, q.Namespace)
		where = append(where, fmt.Sprintf("d.namespace = $%d", len(args)))
	}
	if len(q.Status) > 0 {
		statuses := make([]string, len(q.Status))
		for i, st := range q.Status {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("d.status = ANY($%d)", len(args)))
	}
	if q.RuntimeHandle != "" {
		args = append(args, q.RuntimeHandle)
		where = append(where, fmt.Sprintf("d.runtime_handle = $%d", len(args)))
	}
	if q.Agent != "" {
		args = append(args, string(q.Agent))
		where = append(where, fmt.Sprintf("d.data->>'agent' = $%d", len(args)))
	}

	// Deterministic tag key order keeps the generated SQL (and its $n
	// placeholders) stable across calls with the same query.
	tagKeys := make([]string, 0, len(q.Tags))
	for k := range q.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)

	for i, k := range tagKeys {
		alias := fmt.Sprintf("t%d", i+1)
		args = append(args, k)
		keyArg := len(args)
		args = append(args, q.Tags[k])
		valArg := len(args)
		sb.WriteString(fmt.Sprintf(" JOIN dispatch_tags %s ON %s.dispatch_id = d.dispatch_id AND %s.key = $%d AND %s.value = $%d",
			alias, alias, alias, keyArg, alias, valArg))
	}

	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY d.created_at DESC")

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))
	}
	return sb.String(), args
}

func (s *PostgresStore) List(ctx context.Context, q DispatchQuery) ([]*domain.Dispatch, error) {
	query, args := buildDispatchListQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []*domain.Dispatch
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		var d domain.Dispatch
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal dispatch: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// CountActive counts tenantID's non-terminal dispatches directly via
// COUNT(*) rather than List, so admission control (spec §4.6 step 3) never
// pays for row bodies it doesn't need.
func (s *PostgresStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dispatches
		WHERE tenant_id = $1
		  AND status NOT IN ('SUCCESS', 'FAILED', 'TIMEOUT', 'CANCELLED')
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active dispatches: %w", err)
	}
	return count, nil
}

// CountByAgentAndStatusSince feeds FleetMetrics' "dispatch counts by status
// in the last hour" snapshot field (spec §4.9); it is a fleet-wide
// aggregate so it deliberately bypasses the tenant-scoped List/DispatchQuery
// path.
func (s *PostgresStore) CountByAgentAndStatusSince(ctx context.Context, since time.Time) (map[domain.Agent]map[domain.Status]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data->>'agent' AS agent, status, COUNT(*)
		FROM dispatches
		WHERE created_at >= $1
		GROUP BY data->>'agent', status
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count dispatches by agent and status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Agent]map[domain.Status]int)
	for rows.Next() {
		var agent, status string
		var count int
		if err := rows.Scan(&agent, &status, &count); err != nil {
			return nil, fmt.Errorf("scan agent/status count: %w", err)
		}
		byStatus, ok := out[domain.Agent(agent)]
		if !ok {
			byStatus = make(map[domain.Status]int)
			out[domain.Agent(agent)] = byStatus
		}
		byStatus[domain.Status(status)] = count
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Dispatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM dispatches
		WHERE status NOT IN ('SUCCESS', 'FAILED', 'TIMEOUT', 'CANCELLED')
		  AND COALESCE(started_at, created_at) < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running dispatches: %w", err)
	}
	defer rows.Close()

	var out []*domain.Dispatch
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		var d domain.Dispatch
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal dispatch: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
