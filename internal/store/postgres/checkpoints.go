package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

const checkpointColumns = `seq, instance_id, checkpoint_id, state, is_retry_attempt, attempt,
	error_message, is_compensatable, compensation_step_id, compensation_data,
	compensation_order, created_at`

func scanCheckpoint(row rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	err := row.Scan(
		&cp.Seq, &cp.InstanceID, &cp.CheckpointID, &cp.State, &cp.IsRetryAttempt,
		&cp.Attempt, &cp.ErrorMessage, &cp.IsCompensatable, &cp.CompensationStepID,
		&cp.CompensationData, &cp.CompensationOrder, &cp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	query := `INSERT INTO checkpoints
		(instance_id, checkpoint_id, state, is_retry_attempt, attempt, error_message,
		 is_compensatable, compensation_step_id, compensation_data, compensation_order, created_at)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6, $7, $8, $9, now())
		RETURNING seq, created_at`
	err := s.db.QueryRowContext(ctx, query,
		cp.InstanceID, cp.CheckpointID, cp.State, cp.Attempt, cp.ErrorMessage,
		cp.IsCompensatable, cp.CompensationStepID, cp.CompensationData, cp.CompensationOrder,
	).Scan(&cp.Seq, &cp.CreatedAt)
	if err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT %s FROM checkpoints
		WHERE instance_id = $1 AND checkpoint_id = $2 AND NOT is_retry_attempt
		ORDER BY seq ASC LIMIT 1`, checkpointColumns)
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, instanceID, checkpointID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(err)
	}
	return cp, nil
}

func (s *Store) SaveRetryAttempt(ctx context.Context, cp *store.Checkpoint) error {
	query := `INSERT INTO checkpoints
		(instance_id, checkpoint_id, state, is_retry_attempt, attempt, error_message, created_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, now())
		RETURNING seq, created_at`
	err := s.db.QueryRowContext(ctx, query,
		cp.InstanceID, cp.CheckpointID, cp.State, cp.Attempt, cp.ErrorMessage,
	).Scan(&cp.Seq, &cp.CreatedAt)
	if err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, f store.CheckpointFilter) ([]*store.Checkpoint, error) {
	query, args := buildCheckpointQuery(fmt.Sprintf("SELECT %s FROM checkpoints", checkpointColumns), f, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage(err)
	}
	defer rows.Close()

	var out []*store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fault.Storage(err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(err)
	}
	return out, nil
}

func (s *Store) CountCheckpoints(ctx context.Context, f store.CheckpointFilter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	query, args := buildCheckpointQuery("SELECT COUNT(*) FROM checkpoints", f, false)
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fault.Storage(err)
	}
	return count, nil
}

func (s *Store) GetCompensableCheckpoints(ctx context.Context, instanceID string) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT %s FROM checkpoints
		WHERE instance_id = $1 AND is_compensatable AND NOT is_retry_attempt
		ORDER BY compensation_order DESC, seq DESC`, checkpointColumns)
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fault.Storage(err)
	}
	defer rows.Close()

	var out []*store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fault.Storage(err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(err)
	}
	return out, nil
}

func buildCheckpointQuery(base string, f store.CheckpointFilter, paged bool) (string, []interface{}) {
	query := base + " WHERE 1=1"
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.InstanceID != "" {
		query += " AND instance_id = " + arg(f.InstanceID)
	}
	if f.CheckpointID != "" {
		query += " AND checkpoint_id = " + arg(f.CheckpointID)
	}
	if f.CreatedAfter != nil {
		query += " AND created_at >= " + arg(f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		query += " AND created_at <= " + arg(f.CreatedBefore.UTC())
	}
	if paged {
		query += " ORDER BY seq ASC"
		limit := f.Limit
		if limit <= 0 {
			limit = 100
		}
		query += " LIMIT " + arg(limit)
		if f.Offset > 0 {
			query += " OFFSET " + arg(f.Offset)
		}
	}
	return query, args
}
