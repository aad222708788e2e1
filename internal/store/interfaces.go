package store

import (
	"context"
	"database/sql"
	"time"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// Repository methods accept either a connection pool or an active
// transaction.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is an active transaction.
type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// InstanceStore persists instance rows and their lifecycle transitions.
type InstanceStore interface {
	// CreateInstance inserts a new instance row.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance returns an instance by id, or a not-found fault.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstanceStatus transitions status and reason. Transitions out
	// of terminal states are rejected.
	UpdateInstanceStatus(ctx context.Context, id string, status Status, reason *string) error

	// SetInstanceCheckpoint records the latest checkpoint cursor.
	SetInstanceCheckpoint(ctx context.Context, id, checkpointID string) error

	// CompleteInstance records a terminal state with its outcome fields.
	// The write is a no-op when the instance is already terminal.
	CompleteInstance(ctx context.Context, id string, status Status, reason string, exitCode *int, output []byte, errMsg *string) error

	// SetInstanceRuntime records the launched process identifiers.
	SetInstanceRuntime(ctx context.Context, id string, pid *int, containerID *string) error

	// SetInstanceUsage records peak resource usage observed at exit.
	SetInstanceUsage(ctx context.Context, id string, memoryPeakBytes, cpuUsageMicros *int64) error

	// SetInstanceStderr records the captured stderr tail of a crashed run.
	SetInstanceStderr(ctx context.Context, id string, stderr *string) error

	// SetInstanceExitCode records the observed exit code unless one is
	// already recorded.
	SetInstanceExitCode(ctx context.Context, id string, exitCode int) error

	// TouchInstance bumps the liveness timestamp without changing state.
	TouchInstance(ctx context.Context, id string) error

	// IncrementAttempt bumps the attempt counter for a restart.
	IncrementAttempt(ctx context.Context, id string) error

	// ReopenInstance moves a failed instance back to pending for a
	// restart with replay, bumping the attempt counter. Only failed rows
	// with attempts left are affected; it returns true when the caller
	// won the reopen.
	ReopenInstance(ctx context.Context, id string) (bool, error)

	// SetInstanceSleep suspends the instance for durable sleep.
	SetInstanceSleep(ctx context.Context, id string, until time.Time) error

	// ClearInstanceSleep wakes the instance back to running. Only rows
	// still suspended for sleep are affected; it returns true when the
	// caller won the wake.
	ClearInstanceSleep(ctx context.Context, id string) (bool, error)

	// GetSleepingInstancesDue returns suspended instances whose
	// sleep_until has passed, oldest first, up to limit.
	GetSleepingInstancesDue(ctx context.Context, now time.Time, limit int) ([]*Instance, error)

	// GetStaleRunningInstances returns running instances with no event
	// newer than cutoff.
	GetStaleRunningInstances(ctx context.Context, cutoff time.Time) ([]*Instance, error)

	// GetRunningInstances returns all non-terminal instances with a
	// recorded PID, used by the startup orphan sweep.
	GetRunningInstances(ctx context.Context) ([]*Instance, error)

	// ListInstances returns one page of instances matching the filter.
	ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error)

	// CountInstances returns the total matching the filter.
	CountInstances(ctx context.Context, f InstanceFilter) (int64, error)

	// CountActiveInstances returns the number of non-terminal instances.
	CountActiveInstances(ctx context.Context) (int64, error)

	// CountLiveInstancesByImage counts non-terminal instances of an image.
	CountLiveInstancesByImage(ctx context.Context, imageID string) (int64, error)
}

// CheckpointStore persists the checkpoint log.
type CheckpointStore interface {
	// SaveCheckpoint appends a fresh-state row. Duplicate fresh writes for
	// the same (instance, checkpoint) key are rejected by the caller via
	// GetCheckpoint; the store itself appends.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// GetCheckpoint returns the first fresh-state row for the key, or nil
	// when none exists.
	GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error)

	// SaveRetryAttempt appends a retry-audit row.
	SaveRetryAttempt(ctx context.Context, cp *Checkpoint) error

	// ListCheckpoints returns one page of rows matching the filter.
	ListCheckpoints(ctx context.Context, f CheckpointFilter) ([]*Checkpoint, error)

	// CountCheckpoints returns the total matching the filter.
	CountCheckpoints(ctx context.Context, f CheckpointFilter) (int64, error)

	// GetCompensableCheckpoints returns compensatable rows in decreasing
	// compensation order for a rollback walk.
	GetCompensableCheckpoints(ctx context.Context, instanceID string) ([]*Checkpoint, error)
}

// EventStore persists the append-only event log.
type EventStore interface {
	// InsertEvent appends one event.
	InsertEvent(ctx context.Context, ev *Event) error

	// ListEvents returns one page of events in insertion order.
	ListEvents(ctx context.Context, f EventFilter) ([]*Event, error)

	// CountEvents returns the total matching the filter.
	CountEvents(ctx context.Context, f EventFilter) (int64, error)

	// LatestEventAt returns the newest event time for an instance, or nil
	// when the instance has no events.
	LatestEventAt(ctx context.Context, instanceID string) (*time.Time, error)
}

// SignalStore persists control signals and checkpoint-scoped payloads.
type SignalStore interface {
	// UpsertSignal stores the single pending control signal of an
	// instance. A pending cancel is never downgraded; pause upgrades to
	// cancel; any other overwrite replaces the row.
	UpsertSignal(ctx context.Context, sig *Signal) error

	// GetPendingSignal returns the pending signal, or nil.
	GetPendingSignal(ctx context.Context, instanceID string) (*Signal, error)

	// AcknowledgeSignal removes the pending signal.
	AcknowledgeSignal(ctx context.Context, instanceID string) error

	// InsertCheckpointSignal stores a payload for a named wait point,
	// replacing any previous payload for the same key.
	InsertCheckpointSignal(ctx context.Context, sig *CheckpointSignal) error

	// TakeCheckpointSignal atomically removes and returns the payload for
	// the key, or nil when none is pending.
	TakeCheckpointSignal(ctx context.Context, instanceID, checkpointID string) (*CheckpointSignal, error)
}

// ImageStore persists image metadata.
type ImageStore interface {
	// CreateImage inserts an image row.
	CreateImage(ctx context.Context, img *Image) error

	// GetImage returns an image by id, or a not-found fault.
	GetImage(ctx context.Context, id string) (*Image, error)

	// GetImageByDigest returns a tenant's image with the given digest, or
	// nil when none exists. Used for content-addressed dedupe.
	GetImageByDigest(ctx context.Context, tenantID, digest string) (*Image, error)

	// GetImageByName returns a tenant's image with the given name, or nil
	// when none exists. Names are unique per tenant.
	GetImageByName(ctx context.Context, tenantID, name string) (*Image, error)

	// ListImages returns one page of images for a tenant.
	ListImages(ctx context.Context, f ImageFilter) ([]*Image, error)

	// CountImages returns the total for a tenant.
	CountImages(ctx context.Context, f ImageFilter) (int64, error)

	// DeleteImage removes an image row.
	DeleteImage(ctx context.Context, id string) error
}

// Store aggregates all repositories behind one backend connection.
type Store interface {
	InstanceStore
	CheckpointStore
	EventStore
	SignalStore
	ImageStore

	// Ping verifies backend liveness.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
