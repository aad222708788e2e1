// Package api contains the shared JSON request/response structs for the
// instance and management protocols. The structs are carried as frame
// payloads by internal/protocol and are shared between the planes, the
// workflow SDK, and external clients.
package api

import (
	"encoding/json"
	"time"
)

// Envelope is the tagged union carried in every request frame. Op selects
// the operation; Body holds the operation-specific request struct.
type Envelope struct {
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Instance protocol operations (workflow binary -> instance plane).
const (
	OpRegisterInstance  = "register_instance"
	OpCheckpoint        = "checkpoint"
	OpGetCheckpoint     = "get_checkpoint"
	OpSleep             = "sleep"
	OpPollSignals       = "poll_signals"
	OpSignalAck         = "signal_ack"
	OpInstanceEvent     = "instance_event"
	OpGetInstanceStatus = "get_instance_status"
)

// Management protocol operations (client -> environment plane).
const (
	OpHealth               = "health"
	OpRegisterImage        = "register_image"
	OpRegisterImageStream  = "register_image_stream"
	OpListImages           = "list_images"
	OpGetImage             = "get_image"
	OpDeleteImage          = "delete_image"
	OpStartInstance        = "start_instance"
	OpStopInstance         = "stop_instance"
	OpResumeInstance       = "resume_instance"
	OpListInstances        = "list_instances"
	OpSendSignal           = "send_signal"
	OpSendCheckpointSignal = "send_checkpoint_signal"
	OpListEvents           = "list_events"
	OpListCheckpoints      = "list_checkpoints"
)

// Signal kinds. Cancel supersedes pause; resume is only valid after pause.
const (
	SignalCancel = "cancel"
	SignalPause  = "pause"
	SignalResume = "resume"
)

// Sleep instructions returned by the sleep operation.
const (
	InstructionContinue    = "continue"
	InstructionExitToSleep = "exit_to_sleep"
)

// ErrorResponse is the payload of an error frame.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ---------------------------------------------------------------------------
// Instance protocol
// ---------------------------------------------------------------------------

// RegisterInstanceRequest is sent by the workflow binary on startup.
// CheckpointID optionally carries the resume cursor after a wake.
type RegisterInstanceRequest struct {
	InstanceID   string  `json:"instance_id"`
	TenantID     string  `json:"tenant_id"`
	CheckpointID *string `json:"checkpoint_id,omitempty"`
}

// RegisterInstanceResponse acknowledges registration.
type RegisterInstanceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CheckpointRequest persists step state under a caller-chosen id. On replay
// the previously stored bytes are returned and State is ignored.
type CheckpointRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
	State        []byte `json:"state"`

	// Retry audit rows are additive and never satisfy the fresh-key write.
	IsRetryAttempt bool   `json:"is_retry_attempt,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`

	// Saga compensation metadata.
	IsCompensatable    bool   `json:"is_compensatable,omitempty"`
	CompensationStepID string `json:"compensation_step_id,omitempty"`
	CompensationData   []byte `json:"compensation_data,omitempty"`
	CompensationOrder  int    `json:"compensation_order,omitempty"`
}

// Signal is a pending control signal attached to a response.
type Signal struct {
	InstanceID string `json:"instance_id"`
	Kind       string `json:"kind"`
	Payload    []byte `json:"payload,omitempty"`
}

// CheckpointSignal is a payload targeted at a specific wait point.
type CheckpointSignal struct {
	CheckpointID string `json:"checkpoint_id"`
	Payload      []byte `json:"payload,omitempty"`
}

// CheckpointResponse carries either the prior state (replay) or confirms a
// fresh write, plus any pending signals.
type CheckpointResponse struct {
	Found            bool              `json:"found"`
	State            []byte            `json:"state,omitempty"`
	PendingSignal    *Signal           `json:"pending_signal,omitempty"`
	CheckpointSignal *CheckpointSignal `json:"checkpoint_signal,omitempty"`
}

// GetCheckpointRequest is a read-only checkpoint lookup.
type GetCheckpointRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
}

// GetCheckpointResponse returns prior state without mutating anything.
type GetCheckpointResponse struct {
	Found bool   `json:"found"`
	State []byte `json:"state,omitempty"`
}

// SleepRequest asks for a durable sleep. State is checkpointed under
// CheckpointID before any suspension so the wake can replay through it.
type SleepRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
	DurationMS   int64  `json:"duration_ms"`
	State        []byte `json:"state"`
}

// SleepResponse tells the binary whether to keep running or exit cleanly
// and wait for the wake scheduler.
type SleepResponse struct {
	Instruction string `json:"instruction"`
}

// PollSignalsRequest asks for pending signals outside a checkpoint call.
type PollSignalsRequest struct {
	InstanceID   string  `json:"instance_id"`
	CheckpointID *string `json:"checkpoint_id,omitempty"`
}

// PollSignalsResponse returns the pending control signal and, if a
// checkpoint id was supplied, any checkpoint-scoped payload.
type PollSignalsResponse struct {
	Signal           *Signal           `json:"signal,omitempty"`
	CheckpointSignal *CheckpointSignal `json:"checkpoint_signal,omitempty"`
}

// SignalAckRequest acknowledges a delivered control signal.
type SignalAckRequest struct {
	InstanceID   string `json:"instance_id"`
	Kind         string `json:"kind"`
	Acknowledged bool   `json:"acknowledged"`
}

// SignalAckResponse acknowledges persistence of the ack.
type SignalAckResponse struct {
	Success bool `json:"success"`
}

// Event kinds accepted by the instance event operation.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventSuspended = "suspended"
	EventHeartbeat = "heartbeat"
	EventCustom    = "custom"
)

// InstanceEventRequest publishes a lifecycle event. Events are
// request/response so terminal events are never lost when the process
// exits immediately after sending.
type InstanceEventRequest struct {
	InstanceID   string  `json:"instance_id"`
	Kind         string  `json:"kind"`
	Subtype      *string `json:"subtype,omitempty"`
	CheckpointID *string `json:"checkpoint_id,omitempty"`
	Payload      []byte  `json:"payload,omitempty"`
	TimestampMS  int64   `json:"timestamp_ms,omitempty"`
}

// InstanceEventResponse acknowledges event persistence.
type InstanceEventResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GetInstanceStatusRequest queries one instance.
type GetInstanceStatusRequest struct {
	InstanceID string `json:"instance_id"`
}

// InstanceStatusResponse is shared by both protocols.
type InstanceStatusResponse struct {
	InstanceID        string     `json:"instance_id"`
	Status            string     `json:"status"`
	CheckpointID      *string    `json:"checkpoint_id,omitempty"`
	TerminationReason *string    `json:"termination_reason,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Output            []byte     `json:"output,omitempty"`
	Error             *string    `json:"error,omitempty"`
	Stderr            *string    `json:"stderr,omitempty"`
	Attempt           int        `json:"attempt"`
	MaxAttempts       int        `json:"max_attempts"`
	MemoryPeakBytes   *int64     `json:"memory_peak_bytes,omitempty"`
	CPUUsageMicros    *int64     `json:"cpu_usage_micros,omitempty"`
}

// ---------------------------------------------------------------------------
// Management protocol
// ---------------------------------------------------------------------------

// HealthResponse reports plane liveness.
type HealthResponse struct {
	Healthy         bool   `json:"healthy"`
	Version         string `json:"version"`
	UptimeMS        int64  `json:"uptime_ms"`
	ActiveInstances int64  `json:"active_instances"`
}

// RegisterImageRequest registers a workflow binary in a single frame.
// Binaries above the single-frame ceiling must use the streaming variant.
type RegisterImageRequest struct {
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name"`
	Binary     []byte            `json:"binary"`
	RunnerKind string            `json:"runner_kind,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RegisterImageStreamStart opens a chunked upload. Chunks follow as raw
// stream-data frames; a stream-end frame commits the image.
type RegisterImageStreamStart struct {
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name"`
	TotalSize  int64             `json:"total_size"`
	RunnerKind string            `json:"runner_kind,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RegisterImageResponse returns the (possibly deduplicated) image id.
type RegisterImageResponse struct {
	Success bool   `json:"success"`
	ImageID string `json:"image_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ImageInfo describes a registered image.
type ImageInfo struct {
	ImageID    string            `json:"image_id"`
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name"`
	Digest     string            `json:"digest"`
	SizeBytes  int64             `json:"size_bytes"`
	RunnerKind string            `json:"runner_kind"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ListImagesRequest lists images for a tenant with pagination.
type ListImagesRequest struct {
	TenantID string `json:"tenant_id"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// ListImagesResponse returns one page of images.
type ListImagesResponse struct {
	Images []ImageInfo `json:"images"`
	Total  int64       `json:"total"`
}

// GetImageRequest fetches one image's metadata.
type GetImageRequest struct {
	ImageID string `json:"image_id"`
}

// GetImageResponse returns image metadata if found.
type GetImageResponse struct {
	Found bool       `json:"found"`
	Image *ImageInfo `json:"image,omitempty"`
}

// DeleteImageRequest removes an image. Fails while any non-terminal
// instance references it.
type DeleteImageRequest struct {
	ImageID string `json:"image_id"`
}

// DeleteImageResponse acknowledges deletion.
type DeleteImageResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StartInstanceRequest launches a new run of an image. InstanceID may be
// supplied to restart a failed run with replay; empty means generate.
type StartInstanceRequest struct {
	ImageID        string            `json:"image_id"`
	TenantID       string            `json:"tenant_id"`
	InstanceID     string            `json:"instance_id,omitempty"`
	Input          []byte            `json:"input,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds,omitempty"`
}

// StartInstanceResponse returns the allocated instance id.
type StartInstanceResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instance_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

// StopInstanceRequest stops a running instance with a grace period.
type StopInstanceRequest struct {
	InstanceID   string `json:"instance_id"`
	GraceSeconds int64  `json:"grace_seconds,omitempty"`
}

// StopInstanceResponse acknowledges the stop.
type StopInstanceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResumeInstanceRequest relaunches a paused instance.
type ResumeInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

// ResumeInstanceResponse acknowledges the resume.
type ResumeInstanceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ListInstancesRequest filters instances. Zero values mean "no filter".
type ListInstancesRequest struct {
	TenantID      string     `json:"tenant_id,omitempty"`
	Status        string     `json:"status,omitempty"`
	ImageID       string     `json:"image_id,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// ListInstancesResponse returns one page of instance statuses.
type ListInstancesResponse struct {
	Instances []InstanceStatusResponse `json:"instances"`
	Total     int64                    `json:"total"`
}

// SendSignalRequest queues a control signal for an instance.
type SendSignalRequest struct {
	InstanceID string `json:"instance_id"`
	Kind       string `json:"kind"`
	Payload    []byte `json:"payload,omitempty"`
}

// SendSignalResponse acknowledges the signal write.
type SendSignalResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SendCheckpointSignalRequest delivers a payload to a named wait point.
type SendCheckpointSignalRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
	Payload      []byte `json:"payload,omitempty"`
}

// SendCheckpointSignalResponse acknowledges the write.
type SendCheckpointSignalResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventInfo is one entry of an instance's event log.
type EventInfo struct {
	ID           int64     `json:"id"`
	InstanceID   string    `json:"instance_id"`
	Kind         string    `json:"kind"`
	Subtype      *string   `json:"subtype,omitempty"`
	CheckpointID *string   `json:"checkpoint_id,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListEventsRequest filters an instance's event log.
type ListEventsRequest struct {
	InstanceID    string     `json:"instance_id"`
	Kind          string     `json:"kind,omitempty"`
	Subtype       string     `json:"subtype,omitempty"`
	PayloadMatch  string     `json:"payload_match,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// ListEventsResponse returns one page of events in insertion order.
type ListEventsResponse struct {
	Events []EventInfo `json:"events"`
	Total  int64       `json:"total"`
}

// CheckpointInfo describes one checkpoint row for management queries.
type CheckpointInfo struct {
	Sequence       int64     `json:"sequence"`
	InstanceID     string    `json:"instance_id"`
	CheckpointID   string    `json:"checkpoint_id"`
	StateSize      int       `json:"state_size"`
	IsRetryAttempt bool      `json:"is_retry_attempt"`
	Attempt        int       `json:"attempt,omitempty"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListCheckpointsRequest pages through an instance's checkpoint log.
type ListCheckpointsRequest struct {
	InstanceID    string     `json:"instance_id"`
	CheckpointID  string     `json:"checkpoint_id,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// ListCheckpointsResponse returns one page of checkpoint rows.
type ListCheckpointsResponse struct {
	Checkpoints []CheckpointInfo `json:"checkpoints"`
	Total       int64            `json:"total"`
}
