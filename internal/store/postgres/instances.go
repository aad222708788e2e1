package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

const instanceColumns = `id, tenant_id, image_id, status, termination_reason, checkpoint_id,
	sleep_until, input, env_json, output, error_message, stderr, exit_code, attempt, max_attempts,
	pid, container_id, timeout_seconds, memory_peak_bytes, cpu_usage_micros,
	created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*store.Instance, error) {
	var inst store.Instance
	var envJSON sql.NullString
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.ImageID, &inst.Status, &inst.TerminationReason,
		&inst.CheckpointID, &inst.SleepUntil, &inst.Input, &envJSON, &inst.Output,
		&inst.ErrorMessage, &inst.Stderr, &inst.ExitCode, &inst.Attempt, &inst.MaxAttempts,
		&inst.PID, &inst.ContainerID, &inst.TimeoutSeconds,
		&inst.MemoryPeakBytes, &inst.CPUUsageMicros,
		&inst.CreatedAt, &inst.StartedAt, &inst.FinishedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &inst.Env); err != nil {
			return nil, fmt.Errorf("decode instance env: %w", err)
		}
	}
	return &inst, nil
}

func encodeEnv(env map[string]string) (sql.NullString, error) {
	if len(env) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode instance env: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (s *Store) CreateInstance(ctx context.Context, inst *store.Instance) error {
	envJSON, err := encodeEnv(inst.Env)
	if err != nil {
		return err
	}
	query := `INSERT INTO instances
		(id, tenant_id, image_id, status, checkpoint_id, input, env_json,
		 attempt, max_attempts, timeout_seconds, created_at, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	now := time.Now().UTC()
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx, query,
		inst.ID, inst.TenantID, inst.ImageID, inst.Status, inst.CheckpointID,
		inst.Input, envJSON, inst.Attempt, inst.MaxAttempts, inst.TimeoutSeconds,
		createdAt, inst.StartedAt, now,
	)
	if err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	query := fmt.Sprintf("SELECT %s FROM instances WHERE id = $1", instanceColumns)
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("instance", id)
	}
	if err != nil {
		return nil, fault.Storage(err)
	}
	return inst, nil
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status store.Status, reason *string) error {
	query := `UPDATE instances
		SET status = $2, termination_reason = $3, updated_at = now(),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	res, err := s.db.ExecContext(ctx, query, id, status, reason)
	if err != nil {
		return fault.Storage(err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) SetInstanceCheckpoint(ctx context.Context, id, checkpointID string) error {
	query := `UPDATE instances SET checkpoint_id = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, checkpointID); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) CompleteInstance(ctx context.Context, id string, status store.Status, reason string, exitCode *int, output []byte, errMsg *string) error {
	// Terminal states are absorbing: a second completion is a no-op.
	query := `UPDATE instances
		SET status = $2, termination_reason = $3, exit_code = $4, output = $5,
		    error_message = $6, sleep_until = NULL, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	if _, err := s.db.ExecContext(ctx, query, id, status, reason, exitCode, output, errMsg); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceRuntime(ctx context.Context, id string, pid *int, containerID *string) error {
	query := `UPDATE instances SET pid = $2, container_id = $3, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, pid, containerID); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceUsage(ctx context.Context, id string, memoryPeakBytes, cpuUsageMicros *int64) error {
	query := `UPDATE instances SET memory_peak_bytes = $2, cpu_usage_micros = $3, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, memoryPeakBytes, cpuUsageMicros); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceStderr(ctx context.Context, id string, stderr *string) error {
	query := `UPDATE instances SET stderr = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, stderr); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceExitCode(ctx context.Context, id string, exitCode int) error {
	// The completion path may have recorded a code already; the first
	// observation wins.
	query := `UPDATE instances SET exit_code = COALESCE(exit_code, $2), updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, exitCode); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) TouchInstance(ctx context.Context, id string) error {
	query := `UPDATE instances SET updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) IncrementAttempt(ctx context.Context, id string) error {
	query := `UPDATE instances SET attempt = attempt + 1, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) ReopenInstance(ctx context.Context, id string) (bool, error) {
	query := `UPDATE instances
		SET status = 'pending', termination_reason = NULL, error_message = NULL,
		    exit_code = NULL, output = NULL, pid = NULL, container_id = NULL,
		    finished_at = NULL, attempt = attempt + 1, updated_at = now()
		WHERE id = $1 AND status = 'failed' AND attempt < max_attempts`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fault.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Storage(err)
	}
	return n > 0, nil
}

func (s *Store) SetInstanceSleep(ctx context.Context, id string, until time.Time) error {
	reason := store.ReasonSleeping
	query := `UPDATE instances
		SET status = 'suspended', termination_reason = $2, sleep_until = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	res, err := s.db.ExecContext(ctx, query, id, reason, until.UTC())
	if err != nil {
		return fault.Storage(err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) ClearInstanceSleep(ctx context.Context, id string) (bool, error) {
	// Only one waker can win: the guard requires the row to still be
	// suspended with a sleep deadline.
	query := `UPDATE instances
		SET status = 'running', termination_reason = NULL, sleep_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'suspended' AND sleep_until IS NOT NULL`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fault.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Storage(err)
	}
	return n > 0, nil
}

func (s *Store) GetSleepingInstancesDue(ctx context.Context, now time.Time, limit int) ([]*store.Instance, error) {
	// No row lock here: ClearInstanceSleep's guarded update is what keeps
	// two wakers from claiming the same instance.
	query := fmt.Sprintf(`SELECT %s FROM instances
		WHERE status = 'suspended' AND sleep_until IS NOT NULL AND sleep_until <= $1
		ORDER BY sleep_until ASC
		LIMIT $2`, instanceColumns)
	return s.queryInstances(ctx, query, now.UTC(), limit)
}

func (s *Store) GetStaleRunningInstances(ctx context.Context, cutoff time.Time) ([]*store.Instance, error) {
	// Liveness is the newer of the last event and the last row touch, so
	// long-polling instances that only touch the row still count as live.
	query := fmt.Sprintf(`SELECT %s FROM instances i
		WHERE i.status = 'running'
		AND GREATEST(COALESCE(
			(SELECT MAX(e.created_at) FROM events e WHERE e.instance_id = i.id),
			i.updated_at), i.updated_at) < $1`, instanceColumns)
	return s.queryInstances(ctx, query, cutoff.UTC())
}

func (s *Store) GetRunningInstances(ctx context.Context) ([]*store.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM instances
		WHERE status NOT IN ('completed', 'failed', 'cancelled') AND pid IS NOT NULL`, instanceColumns)
	return s.queryInstances(ctx, query)
}

func (s *Store) ListInstances(ctx context.Context, f store.InstanceFilter) ([]*store.Instance, error) {
	query, args := buildInstanceQuery(fmt.Sprintf("SELECT %s FROM instances", instanceColumns), f, true)
	return s.queryInstances(ctx, query, args...)
}

func (s *Store) CountInstances(ctx context.Context, f store.InstanceFilter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	query, args := buildInstanceQuery("SELECT COUNT(*) FROM instances", f, false)
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fault.Storage(err)
	}
	return count, nil
}

func (s *Store) CountActiveInstances(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM instances WHERE status NOT IN ('completed', 'failed', 'cancelled')`
	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fault.Storage(err)
	}
	return count, nil
}

func (s *Store) CountLiveInstancesByImage(ctx context.Context, imageID string) (int64, error) {
	query := `SELECT COUNT(*) FROM instances
		WHERE image_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, imageID).Scan(&count); err != nil {
		return 0, fault.Storage(err)
	}
	return count, nil
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*store.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage(err)
	}
	defer rows.Close()

	var out []*store.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fault.Storage(err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(err)
	}
	return out, nil
}

// checkTransition distinguishes "row not found" from "row is terminal" when
// a guarded update touched nothing.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Storage(err)
	}
	if n > 0 {
		return nil
	}
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return fault.Newf(fault.CodeTerminal, fault.CategoryPermanent,
		"instance %q is %s", id, inst.Status)
}

func buildInstanceQuery(base string, f store.InstanceFilter, paged bool) (string, []interface{}) {
	query := base + " WHERE 1=1"
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != "" {
		query += " AND tenant_id = " + arg(f.TenantID)
	}
	if f.Status != "" {
		query += " AND status = " + arg(f.Status)
	}
	if f.ImageID != "" {
		query += " AND image_id = " + arg(f.ImageID)
	}
	if f.CreatedAfter != nil {
		query += " AND created_at >= " + arg(f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		query += " AND created_at <= " + arg(f.CreatedBefore.UTC())
	}
	if paged {
		query += " ORDER BY created_at DESC"
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
