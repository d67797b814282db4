// Package dispatchlog implements the supplemented DispatchLogStore backing
// getDispatch's logOffset/logLimit/skipLogs page (spec §6.1), grounded on
// the teacher's internal/logsink/sink.go LogSink abstraction: logs are
// written through an interface rather than straight to the metadata store,
// so the backend is swappable, and a Noop implementation exists for tests
// and deployments that route logs elsewhere.
//
// The agent container itself is opaque (spec §1 Non-goals); this package
// only defines the sink an EventSource-adjacent log shipper would write
// through and the paginated read path getDispatch serves from.
package dispatchlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Line is one structured log line attributed to a dispatch.
type Line struct {
	DispatchID string
	Seq        int64
	Timestamp  time.Time
	Stream     string // "stdout" or "stderr"
	Text       string
}

// Page is one windowed read of a dispatch's log lines.
type Page struct {
	Lines      []Line
	NextOffset int64
	HasMore    bool
}

// Store abstracts dispatch log persistence (mirrors logsink.LogSink's
// Save/SaveBatch/Close shape, generalized from invocation logs to dispatch
// log lines).
type Store interface {
	Append(ctx context.Context, line Line) error
	AppendBatch(ctx context.Context, lines []Line) error
	Page(ctx context.Context, dispatchID string, offset int64, limit int) (Page, error)
	Close() error
}

// PostgresStore persists dispatch log lines in a dedicated table, separate
// from the dispatches table so high-volume log writes don't contend with
// status-transition writes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens its own connection pool against dsn and ensures the
// dispatch_logs table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create dispatch log pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_logs (
			dispatch_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			stream TEXT NOT NULL,
			text TEXT NOT NULL,
			PRIMARY KEY (dispatch_id, seq)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure dispatch_logs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, line Line) error {
	return s.AppendBatch(ctx, []Line{line})
}

func (s *PostgresStore) AppendBatch(ctx context.Context, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	batch := make([][]interface{}, len(lines))
	for i, l := range lines {
		batch[i] = []interface{}{l.DispatchID, l.Seq, l.Timestamp, l.Stream, l.Text}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"dispatch_logs"},
		[]string{"dispatch_id", "seq", "ts", "stream", "text"},
		pgx.CopyFromRows(batch),
	)
	if err != nil {
		return fmt.Errorf("append dispatch log batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Page(ctx context.Context, dispatchID string, offset int64, limit int) (Page, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, ts, stream, text FROM dispatch_logs
		WHERE dispatch_id = $1 AND seq >= $2
		ORDER BY seq ASC
		LIMIT $3
	`, dispatchID, offset, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("query dispatch log page: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		l.DispatchID = dispatchID
		if err := rows.Scan(&l.Seq, &l.Timestamp, &l.Stream, &l.Text); err != nil {
			return Page{}, fmt.Errorf("scan dispatch log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate dispatch log page: %w", err)
	}

	hasMore := len(lines) > limit
	if hasMore {
		lines = lines[:limit]
	}
	next := offset
	if len(lines) > 0 {
		next = lines[len(lines)-1].Seq + 1
	}
	return Page{Lines: lines, NextOffset: next, HasMore: hasMore}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// NoopStore discards writes and serves empty pages; used when log shipping
// is handled by external observability infrastructure instead (mirrors
// logsink.NoopSink).
type NoopStore struct{}

func NewNoopStore() NoopStore { return NoopStore{} }

func (NoopStore) Append(ctx context.Context, line Line) error          { return nil }
func (NoopStore) AppendBatch(ctx context.Context, lines []Line) error   { return nil }
func (NoopStore) Page(ctx context.Context, dispatchID string, offset int64, limit int) (Page, error) {
	return Page{}, nil
}
func (NoopStore) Close() error { return nil }
