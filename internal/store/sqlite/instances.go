package sqlite

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

func (s *Store) CreateInstance(ctx context.Context, inst *store.Instance) error {
	var envJSON sql.NullString
	if len(inst.Env) > 0 {
		raw, err := json.Marshal(inst.Env)
		if err != nil {
			return fmt.Errorf("encode instance env: %w", err)
		}
		envJSON = sql.NullString{String: string(raw), Valid: true}
	}
	now := time.Now().UTC()
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	query := `INSERT INTO instances
		(id, tenant_id, image_id, status, checkpoint_id, input, env_json,
		 attempt, max_attempts, timeout_seconds, created_at, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
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
	query := fmt.Sprintf("SELECT %s FROM instances WHERE id = ?", instanceColumns)
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
	now := time.Now().UTC()
	query := `UPDATE instances
		SET status = ?, termination_reason = ?, updated_at = ?,
		    started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`
	res, err := s.db.ExecContext(ctx, query, status, reason, now, status, now, id)
	if err != nil {
		return fault.Storage(err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) SetInstanceCheckpoint(ctx context.Context, id, checkpointID string) error {
	query := `UPDATE instances SET checkpoint_id = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, checkpointID, time.Now().UTC(), id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) CompleteInstance(ctx context.Context, id string, status store.Status, reason string, exitCode *int, output []byte, errMsg *string) error {
	now := time.Now().UTC()
	query := `UPDATE instances
		SET status = ?, termination_reason = ?, exit_code = ?, output = ?,
		    error_message = ?, sleep_until = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`
	if _, err := s.db.ExecContext(ctx, query, status, reason, exitCode, output, errMsg, now, now, id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceRuntime(ctx context.Context, id string, pid *int, containerID *string) error {
	query := `UPDATE instances SET pid = ?, container_id = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, pid, containerID, time.Now().UTC(), id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceUsage(ctx context.Context, id string, memoryPeakBytes, cpuUsageMicros *int64) error {
	query := `UPDATE instances SET memory_peak_bytes = ?, cpu_usage_micros = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, memoryPeakBytes, cpuUsageMicros, time.Now().UTC(), id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceStderr(ctx context.Context, id string, stderr *string) error {
	query := `UPDATE instances SET stderr = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, stderr, time.Now().UTC(), id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) SetInstanceExitCode(ctx context.Context, id string, exitCode int) error {
	// The completion path may have recorded a code already; the first
	// observation wins.
	query := `UPDATE instances SET exit_code = COALESCE(exit_code, ?), updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, exitCode, time.Now().UTC(), id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) TouchInstance(ctx context.Context, id string) error {
	query := `UPDATE instances SET updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) IncrementAttempt(ctx context.Context, id string) error {
	query := `UPDATE instances SET attempt = attempt + 1, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) ReopenInstance(ctx context.Context, id string) (bool, error) {
	query := `UPDATE instances
		SET status = 'pending', termination_reason = NULL, error_message = NULL,
		    exit_code = NULL, output = NULL, pid = NULL, container_id = NULL,
		    finished_at = NULL, attempt = attempt + 1, updated_at = ?
		WHERE id = ? AND status = 'failed' AND attempt < max_attempts`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
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
	query := `UPDATE instances
		SET status = 'suspended', termination_reason = ?, sleep_until = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`
	res, err := s.db.ExecContext(ctx, query, store.ReasonSleeping, until.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fault.Storage(err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) ClearInstanceSleep(ctx context.Context, id string) (bool, error) {
	query := `UPDATE instances
		SET status = 'running', termination_reason = NULL, sleep_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'suspended' AND sleep_until IS NOT NULL`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
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
	// SQLite has no SKIP LOCKED; the single writer connection makes the
	// wake selection race-free anyway.
	query := fmt.Sprintf(`SELECT %s FROM instances
		WHERE status = 'suspended' AND sleep_until IS NOT NULL AND sleep_until <= ?
		ORDER BY sleep_until ASC
		LIMIT ?`, instanceColumns)
	return s.queryInstances(ctx, query, now.UTC(), limit)
}

func (s *Store) GetStaleRunningInstances(ctx context.Context, cutoff time.Time) ([]*store.Instance, error) {
	// MAX here is SQLite's scalar max: liveness is the newer of the last
	// event and the last row touch.
	query := fmt.Sprintf(`SELECT %s FROM instances i
		WHERE i.status = 'running'
		AND MAX(COALESCE(
			(SELECT MAX(e.created_at) FROM events e WHERE e.instance_id = i.id),
			i.updated_at), i.updated_at) < ?`, instanceColumns)
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
		WHERE image_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`
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
	if f.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.ImageID != "" {
		query += " AND image_id = ?"
		args = append(args, f.ImageID)
	}
	if f.CreatedAfter != nil {
		query += " AND created_at >= ?"
		args = append(args, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		query += " AND created_at <= ?"
		args = append(args, f.CreatedBefore.UTC())
	}
	if paged {
		query += " ORDER BY created_at DESC"
		limit := f.Limit
		if limit <= 0 {
			limit = 100
		}
		query += " LIMIT ?"
		args = append(args, limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	return query, args
}
