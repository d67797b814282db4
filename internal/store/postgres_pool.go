package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dispatchd/dispatchd/internal/domain"
)

// --- PoolRepository -----------------------------------------------------

func (s *PostgresStore) CreateSlot(ctx context.Context, slot *domain.PoolSlot) error {
	data, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("marshal pool slot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pool_slots (slot_id, agent, state, acquired_by, version, created_at, last_healthy_at, ttl, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, slot.SlotID, string(slot.Agent), string(slot.State), nullIfEmpty(slot.AcquiredBy), slot.Version,
		slot.CreatedAt, slot.LastHealthyAt, slot.TTL, data)
	if err != nil {
		return fmt.Errorf("insert pool slot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSlot(ctx context.Context, slotID string) (*domain.PoolSlot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM pool_slots WHERE slot_id = $1`, slotID).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool slot: %w", err)
	}
	var slot domain.PoolSlot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("unmarshal pool slot: %w", err)
	}
	return &slot, nil
}

func (s *PostgresStore) UpdateSlotConditional(ctx context.Context, slotID string, expectedVersion int, mutate func(sl *domain.PoolSlot) error) (*domain.PoolSlot, error) {
	slot, err := s.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if err := mutate(slot); err != nil {
		return nil, err
	}
	slot.Version++

	data, err := json.Marshal(slot)
	if err != nil {
		return nil, fmt.Errorf("marshal pool slot: %w", err)
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET
			data = $1, state = $2, acquired_by = $3, version = $4, last_healthy_at = $5
		WHERE slot_id = $6 AND version = $7
	`, data, string(slot.State), nullIfEmpty(slot.AcquiredBy), slot.Version, slot.LastHealthyAt,
		slotID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update pool slot: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}
	return slot, nil
}

// AcquireWarmSlot selects one WARM slot for agent with FOR UPDATE SKIP
// LOCKED so concurrent acquirers never contend on the same row, mirroring
// the teacher's AcquireDueAsyncInvocation queue-pop pattern in
// store/async_invocations.go.
func (s *PostgresStore) AcquireWarmSlot(ctx context.Context, agent domain.Agent, acquiredBy string) (*domain.PoolSlot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var slotID string
	err = tx.QueryRow(ctx, `
		SELECT slot_id FROM pool_slots
		WHERE agent = $1 AND state = 'WARM'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, string(agent)).Scan(&slotID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select warm slot: %w", err)
	}

	var data []byte
	if err := tx.QueryRow(ctx, `SELECT data FROM pool_slots WHERE slot_id = $1`, slotID).Scan(&data); err != nil {
		return nil, fmt.Errorf("reload warm slot: %w", err)
	}
	var slot domain.PoolSlot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("unmarshal pool slot: %w", err)
	}

	slot.State = domain.SlotAcquired
	slot.AcquiredBy = acquiredBy
	slot.Version++
	newData, err := json.Marshal(slot)
	if err != nil {
		return nil, fmt.Errorf("marshal pool slot: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE pool_slots SET data = $1, state = $2, acquired_by = $3, version = $4
		WHERE slot_id = $5
	`, newData, string(slot.State), slot.AcquiredBy, slot.Version, slotID); err != nil {
		return nil, fmt.Errorf("mark slot acquired: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit acquire warm slot: %w", err)
	}
	return &slot, nil
}

func (s *PostgresStore) ListSlots(ctx context.Context, agent domain.Agent, states []domain.SlotState) ([]*domain.PoolSlot, error) {
	query := `SELECT data FROM pool_slots WHERE agent = $1`
	args := []any{string(agent)}
	if len(states) > 0 {
		strs := make([]string, len(states))
		for i, st := range states {
			strs[i] = string(st)
		}
		args = append(args, strs)
		query += ` AND state = ANY($2)`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pool slots: %w", err)
	}
	defer rows.Close()

	var out []*domain.PoolSlot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan pool slot: %w", err)
		}
		var slot domain.PoolSlot
		if err := json.Unmarshal(data, &slot); err != nil {
			return nil, fmt.Errorf("unmarshal pool slot: %w", err)
		}
		out = append(out, &slot)
	}
	return out, rows.Err()
}

// FindSlotByRuntimeHandle looks up the slot whose data blob carries
// runtimeHandle; nil, nil means the handle belongs to a cold launch with no
// backing slot.
func (s *PostgresStore) FindSlotByRuntimeHandle(ctx context.Context, runtimeHandle string) (*domain.PoolSlot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM pool_slots WHERE data->>'runtime_handle' = $1 LIMIT 1
	`, runtimeHandle).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find slot by runtime handle: %w", err)
	}
	var slot domain.PoolSlot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("unmarshal pool slot: %w", err)
	}
	return &slot, nil
}

func (s *PostgresStore) DeleteSlot(ctx context.Context, slotID string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM pool_slots WHERE slot_id = $1`, slotID)
	if err != nil {
		return fmt.Errorf("delete pool slot: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
