package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

func (s *Store) UpsertSignal(ctx context.Context, sig *store.Signal) error {
	// One pending signal per instance; a pending cancel is never
	// downgraded.
	query := `INSERT INTO signals (instance_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE
		SET kind = excluded.kind, payload = excluded.payload, created_at = excluded.created_at
		WHERE signals.kind <> 'cancel'`
	createdAt := sig.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, sig.InstanceID, sig.Kind, sig.Payload, createdAt); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) GetPendingSignal(ctx context.Context, instanceID string) (*store.Signal, error) {
	query := `SELECT instance_id, kind, payload, created_at FROM signals WHERE instance_id = ?`
	var sig store.Signal
	err := s.db.QueryRowContext(ctx, query, instanceID).Scan(
		&sig.InstanceID, &sig.Kind, &sig.Payload, &sig.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(err)
	}
	return &sig, nil
}

func (s *Store) AcknowledgeSignal(ctx context.Context, instanceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE instance_id = ?`, instanceID); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) InsertCheckpointSignal(ctx context.Context, sig *store.CheckpointSignal) error {
	query := `INSERT INTO checkpoint_signals (instance_id, checkpoint_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, checkpoint_id) DO UPDATE
		SET payload = excluded.payload, created_at = excluded.created_at`
	createdAt := sig.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, sig.InstanceID, sig.CheckpointID, sig.Payload, createdAt); err != nil {
		return fault.Storage(err)
	}
	return nil
}

func (s *Store) TakeCheckpointSignal(ctx context.Context, instanceID, checkpointID string) (*store.CheckpointSignal, error) {
	query := `DELETE FROM checkpoint_signals
		WHERE instance_id = ? AND checkpoint_id = ?
		RETURNING payload, created_at`
	sig := store.CheckpointSignal{InstanceID: instanceID, CheckpointID: checkpointID}
	err := s.db.QueryRowContext(ctx, query, instanceID, checkpointID).Scan(&sig.Payload, &sig.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(err)
	}
	return &sig, nil
}
