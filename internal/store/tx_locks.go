package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// BeginTx opens a transaction on the underlying pool so callers outside
// this package (the persistent WorkspaceHandler, spec §4.5 OQ2) can hold a
// single connection across an advisory lock acquire, a body of work, and
// the matching commit/rollback.
func (s *PostgresStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{})
}

// LockKey derives a stable int64 advisory lock key from a name, so callers
// can lock on an arbitrary string (e.g. a workspace id) instead of a fixed
// constant. Adapted from the teacher's single fixed deleteOperationLockKey
// in favor of a per-name key, since the persistent-workspace single-writer
// lock (spec §9 OQ2) needs one lock per workspace, not one global lock.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// AcquireNamedLock takes a transaction-scoped Postgres advisory lock for name,
// held until tx commits or rolls back. This is the exclusivity mechanism
// behind persistent workspace mode (spec §4.5, §9 OQ2): only one launcher
// may hold a given workspace's lock at a time, serializing concurrent
// dispatches that target the same persistent workspace.
func AcquireNamedLock(ctx context.Context, tx pgx.Tx, name string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, LockKey(name)); err != nil {
		return fmt.Errorf("acquire advisory lock %q: %w", name, err)
	}
	return nil
}

// TryAcquireNamedLock is the non-blocking variant: it returns acquired=false
// immediately if another holder has the lock, instead of waiting.
func TryAcquireNamedLock(ctx context.Context, tx pgx.Tx, name string) (acquired bool, err error) {
	err = tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, LockKey(name)).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	return acquired, nil
}
