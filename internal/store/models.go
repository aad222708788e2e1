// Package store contains the shared persistence layer used by both planes.
package store

import "time"

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Termination and suspension reasons recorded on the instance row.
const (
	ReasonCompleted        = "completed"
	ReasonApplicationError = "application_error"
	ReasonCrashed          = "crashed"
	ReasonTimeout          = "timeout"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonCancelled        = "cancelled"
	ReasonPaused           = "paused"
	ReasonSleeping         = "sleeping"
)

// Instance is one run of a workflow image. Input and Env are persisted so
// wakes and resumes relaunch with the original environment.
type Instance struct {
	ID                string
	TenantID          string
	ImageID           string
	Status            Status
	TerminationReason *string
	CheckpointID      *string // resume cursor for replays
	SleepUntil        *time.Time
	Input             []byte
	Env               map[string]string
	Output            []byte
	ErrorMessage      *string
	Stderr            *string // tail of the captured stderr log, set on crash
	ExitCode          *int
	Attempt           int
	MaxAttempts       int
	PID               *int
	ContainerID       *string
	TimeoutSeconds    int64
	MemoryPeakBytes   *int64
	CPUUsageMicros    *int64
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	UpdatedAt         time.Time
}

// Checkpoint is one row of an instance's checkpoint log. Fresh-state rows
// satisfy replays; retry-audit rows (IsRetryAttempt) are additive history.
type Checkpoint struct {
	Seq          int64
	InstanceID   string
	CheckpointID string
	State        []byte

	IsRetryAttempt bool
	Attempt        int
	ErrorMessage   *string

	IsCompensatable    bool
	CompensationStepID *string
	CompensationData   []byte
	CompensationOrder  int

	CreatedAt time.Time
}

// Event is one entry of an instance's append-only event log.
type Event struct {
	ID           int64
	InstanceID   string
	Kind         string
	Subtype      *string
	CheckpointID *string
	Payload      []byte
	CreatedAt    time.Time
}

// Signal is the single pending control signal of an instance.
type Signal struct {
	InstanceID string
	Kind       string
	Payload    []byte
	CreatedAt  time.Time
}

// CheckpointSignal is a payload targeted at a named wait point. Delivery
// removes the row.
type CheckpointSignal struct {
	InstanceID   string
	CheckpointID string
	Payload      []byte
	CreatedAt    time.Time
}

// Image is a registered workflow binary. The binary itself lives on disk
// under the content-addressed blob path; the row carries metadata.
type Image struct {
	ID         string
	TenantID   string
	Name       string
	Digest     string
	SizeBytes  int64
	RunnerKind string
	Metadata   map[string]string
	BlobPath   string
	CreatedAt  time.Time
}

// InstanceFilter narrows instance listings. Zero values mean "no filter".
type InstanceFilter struct {
	TenantID      string
	Status        Status
	ImageID       string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// EventFilter narrows event listings for one instance.
type EventFilter struct {
	InstanceID    string
	Kind          string
	Subtype       string
	PayloadMatch  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// CheckpointFilter narrows checkpoint listings for one instance.
type CheckpointFilter struct {
	InstanceID    string
	CheckpointID  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// ImageFilter narrows image listings.
type ImageFilter struct {
	TenantID string
	Limit    int
	Offset   int
}
