// Package instance implements the instance plane: the server side of the
// protocol spoken by running workflow binaries.
package instance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/logger"
	"github.com/runtarahq/runtara/internal/observability"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/pkg/api"
)

// Handlers serves the instance protocol operations.
type Handlers struct {
	store          store.Store
	log            *slog.Logger
	metrics        *observability.PlaneMetrics
	sleepThreshold time.Duration
	maxInstances   int
}

// NewHandlers creates the instance protocol handlers. metrics may be nil;
// maxInstances of zero disables the registration cap.
func NewHandlers(st store.Store, log *slog.Logger, metrics *observability.PlaneMetrics, sleepThreshold time.Duration, maxInstances int) *Handlers {
	if sleepThreshold <= 0 {
		sleepThreshold = 30 * time.Second
	}
	return &Handlers{store: st, log: log, metrics: metrics, sleepThreshold: sleepThreshold, maxInstances: maxInstances}
}

// touch bumps the liveness timestamp so long-polling binaries that produce
// no events are not swept as stale. Best effort.
func (h *Handlers) touch(ctx context.Context, instanceID string) {
	if err := h.store.TouchInstance(ctx, instanceID); err != nil {
		h.log.Warn("liveness touch failed", "instance_id", instanceID, "error", err)
	}
}

// RegisterInstance handles binary startup. Unknown instances self-register;
// a resume cursor is verified against the checkpoint log before it is
// accepted.
func (h *Handlers) RegisterInstance(ctx context.Context, req *api.RegisterInstanceRequest) (*api.RegisterInstanceResponse, error) {
	if req.InstanceID == "" || req.TenantID == "" {
		return nil, fault.Invalid("instance_id and tenant_id are required")
	}
	ctx = logger.WithInstanceID(ctx, req.InstanceID)
	log := logger.FromContext(ctx, h.log)

	inst, err := h.store.GetInstance(ctx, req.InstanceID)
	switch {
	case fault.IsNotFound(err):
		if h.maxInstances > 0 {
			active, err := h.store.CountActiveInstances(ctx)
			if err != nil {
				return nil, err
			}
			if active >= int64(h.maxInstances) {
				return nil, fault.AtCapacity(h.maxInstances)
			}
		}
		inst = &store.Instance{
			ID:          req.InstanceID,
			TenantID:    req.TenantID,
			Status:      store.StatusPending,
			Attempt:     1,
			MaxAttempts: 3,
		}
		if err := h.store.CreateInstance(ctx, inst); err != nil {
			return nil, err
		}
		log.Info("instance self-registered")
	case err != nil:
		return nil, err
	case inst.Status.IsTerminal():
		return nil, fault.Newf(fault.CodeTerminal, fault.CategoryPermanent,
			"instance %q is %s", req.InstanceID, inst.Status)
	}

	if req.CheckpointID != nil && *req.CheckpointID != "" {
		cp, err := h.store.GetCheckpoint(ctx, req.InstanceID, *req.CheckpointID)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			return nil, fault.Invalid("resume checkpoint %q does not exist", *req.CheckpointID)
		}
	}

	if err := h.store.UpdateInstanceStatus(ctx, req.InstanceID, store.StatusRunning, nil); err != nil {
		return nil, err
	}
	if err := h.store.InsertEvent(ctx, &store.Event{
		InstanceID:   req.InstanceID,
		Kind:         api.EventStarted,
		CheckpointID: req.CheckpointID,
	}); err != nil {
		return nil, err
	}
	return &api.RegisterInstanceResponse{Success: true}, nil
}

// Checkpoint persists step state at most once per (instance, checkpoint)
// key. On replay the stored bytes come back and the submitted state is
// discarded. Pending signals ride along on the response.
func (h *Handlers) Checkpoint(ctx context.Context, req *api.CheckpointRequest) (*api.CheckpointResponse, error) {
	if req.InstanceID == "" || req.CheckpointID == "" {
		return nil, fault.Invalid("instance_id and checkpoint_id are required")
	}
	ctx = logger.WithInstanceID(ctx, req.InstanceID)
	h.touch(ctx, req.InstanceID)

	resp := &api.CheckpointResponse{}

	existing, err := h.store.GetCheckpoint(ctx, req.InstanceID, req.CheckpointID)
	if err != nil {
		return nil, err
	}
	switch {
	case existing != nil:
		resp.Found = true
		resp.State = existing.State
		if h.metrics != nil {
			h.metrics.CheckpointsReplays.Add(ctx, 1)
		}
	case req.IsRetryAttempt:
		// Audit row only; it never satisfies a future replay.
		var errMsg *string
		if req.ErrorMessage != "" {
			errMsg = &req.ErrorMessage
		}
		if err := h.store.SaveRetryAttempt(ctx, &store.Checkpoint{
			InstanceID:   req.InstanceID,
			CheckpointID: req.CheckpointID,
			State:        req.State,
			Attempt:      req.Attempt,
			ErrorMessage: errMsg,
		}); err != nil {
			return nil, err
		}
	default:
		cp := &store.Checkpoint{
			InstanceID:        req.InstanceID,
			CheckpointID:      req.CheckpointID,
			State:             req.State,
			IsCompensatable:   req.IsCompensatable,
			CompensationData:  req.CompensationData,
			CompensationOrder: req.CompensationOrder,
		}
		if req.CompensationStepID != "" {
			cp.CompensationStepID = &req.CompensationStepID
		}
		if err := h.store.SaveCheckpoint(ctx, cp); err != nil {
			return nil, err
		}
		if err := h.store.SetInstanceCheckpoint(ctx, req.InstanceID, req.CheckpointID); err != nil {
			return nil, err
		}
		if h.metrics != nil {
			h.metrics.CheckpointsWritten.Add(ctx, 1)
		}
	}

	if err := h.attachSignals(ctx, req.InstanceID, req.CheckpointID, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetCheckpoint is a read-only lookup that never mutates signal state.
func (h *Handlers) GetCheckpoint(ctx context.Context, req *api.GetCheckpointRequest) (*api.GetCheckpointResponse, error) {
	if req.InstanceID == "" || req.CheckpointID == "" {
		return nil, fault.Invalid("instance_id and checkpoint_id are required")
	}
	h.touch(ctx, req.InstanceID)
	cp, err := h.store.GetCheckpoint(ctx, req.InstanceID, req.CheckpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return &api.GetCheckpointResponse{Found: false}, nil
	}
	return &api.GetCheckpointResponse{Found: true, State: cp.State}, nil
}

// Sleep checkpoints state, then either blocks in process for short
// durations or suspends the instance for the wake scheduler.
func (h *Handlers) Sleep(ctx context.Context, req *api.SleepRequest) (*api.SleepResponse, error) {
	if req.InstanceID == "" || req.CheckpointID == "" {
		return nil, fault.Invalid("instance_id and checkpoint_id are required")
	}
	if req.DurationMS < 0 {
		return nil, fault.Invalid("duration_ms must not be negative")
	}
	ctx = logger.WithInstanceID(ctx, req.InstanceID)
	log := logger.FromContext(ctx, h.log)
	h.touch(ctx, req.InstanceID)
	duration := time.Duration(req.DurationMS) * time.Millisecond

	// State is durable before any suspension so the wake replays through
	// this checkpoint. A replay means the sleep already happened.
	existing, err := h.store.GetCheckpoint(ctx, req.InstanceID, req.CheckpointID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &api.SleepResponse{Instruction: api.InstructionContinue}, nil
	}
	if err := h.store.SaveCheckpoint(ctx, &store.Checkpoint{
		InstanceID:   req.InstanceID,
		CheckpointID: req.CheckpointID,
		State:        req.State,
	}); err != nil {
		return nil, err
	}
	if err := h.store.SetInstanceCheckpoint(ctx, req.InstanceID, req.CheckpointID); err != nil {
		return nil, err
	}

	if duration < h.sleepThreshold {
		select {
		case <-time.After(duration):
			return &api.SleepResponse{Instruction: api.InstructionContinue}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	until := time.Now().UTC().Add(duration)
	if err := h.store.SetInstanceSleep(ctx, req.InstanceID, until); err != nil {
		return nil, err
	}
	reason := store.ReasonSleeping
	if err := h.store.InsertEvent(ctx, &store.Event{
		InstanceID:   req.InstanceID,
		Kind:         api.EventSuspended,
		Subtype:      &reason,
		CheckpointID: &req.CheckpointID,
	}); err != nil {
		return nil, err
	}
	log.Info("instance suspended for durable sleep", "until", until, "checkpoint_id", req.CheckpointID)
	return &api.SleepResponse{Instruction: api.InstructionExitToSleep}, nil
}

// PollSignals reports pending signals outside a checkpoint call.
func (h *Handlers) PollSignals(ctx context.Context, req *api.PollSignalsRequest) (*api.PollSignalsResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	h.touch(ctx, req.InstanceID)
	resp := &api.PollSignalsResponse{}
	sig, err := h.store.GetPendingSignal(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		resp.Signal = &api.Signal{InstanceID: sig.InstanceID, Kind: sig.Kind, Payload: sig.Payload}
	}
	if req.CheckpointID != nil && *req.CheckpointID != "" {
		cps, err := h.store.TakeCheckpointSignal(ctx, req.InstanceID, *req.CheckpointID)
		if err != nil {
			return nil, err
		}
		if cps != nil {
			resp.CheckpointSignal = &api.CheckpointSignal{CheckpointID: cps.CheckpointID, Payload: cps.Payload}
		}
	}
	if h.metrics != nil && (resp.Signal != nil || resp.CheckpointSignal != nil) {
		h.metrics.SignalsDelivered.Add(ctx, 1)
	}
	return resp, nil
}

// SignalAck consumes the pending control signal. An acknowledged cancel
// makes the instance cancelled; an acknowledged pause suspends it.
func (h *Handlers) SignalAck(ctx context.Context, req *api.SignalAckRequest) (*api.SignalAckResponse, error) {
	if req.InstanceID == "" || req.Kind == "" {
		return nil, fault.Invalid("instance_id and kind are required")
	}
	ctx = logger.WithInstanceID(ctx, req.InstanceID)
	log := logger.FromContext(ctx, h.log)
	h.touch(ctx, req.InstanceID)

	if err := h.store.AcknowledgeSignal(ctx, req.InstanceID); err != nil {
		return nil, err
	}
	if !req.Acknowledged {
		return &api.SignalAckResponse{Success: true}, nil
	}

	switch req.Kind {
	case api.SignalCancel:
		if err := h.store.CompleteInstance(ctx, req.InstanceID, store.StatusCancelled, store.ReasonCancelled, nil, nil, nil); err != nil {
			return nil, err
		}
		if h.metrics != nil {
			h.metrics.InstancesFinished.Add(ctx, 1)
		}
		log.Info("instance cancelled on signal ack")
	case api.SignalPause:
		reason := store.ReasonPaused
		if err := h.store.UpdateInstanceStatus(ctx, req.InstanceID, store.StatusSuspended, &reason); err != nil {
			return nil, err
		}
		log.Info("instance paused on signal ack")
	case api.SignalResume:
		if err := h.store.UpdateInstanceStatus(ctx, req.InstanceID, store.StatusRunning, nil); err != nil {
			return nil, err
		}
	default:
		return nil, fault.Newf(fault.CodeInvalidSignal, fault.CategoryPermanent, "unknown signal kind %q", req.Kind)
	}
	return &api.SignalAckResponse{Success: true}, nil
}

// InstanceEvent appends to the event log and applies the lifecycle effect
// of terminal and suspension events.
func (h *Handlers) InstanceEvent(ctx context.Context, req *api.InstanceEventRequest) (*api.InstanceEventResponse, error) {
	if req.InstanceID == "" || req.Kind == "" {
		return nil, fault.Invalid("instance_id and kind are required")
	}
	switch req.Kind {
	case api.EventStarted, api.EventProgress, api.EventCompleted, api.EventFailed,
		api.EventSuspended, api.EventHeartbeat, api.EventCustom:
	default:
		return nil, fault.Invalid("unknown event kind %q", req.Kind)
	}
	ctx = logger.WithInstanceID(ctx, req.InstanceID)

	ev := &store.Event{
		InstanceID:   req.InstanceID,
		Kind:         req.Kind,
		Subtype:      req.Subtype,
		CheckpointID: req.CheckpointID,
		Payload:      req.Payload,
	}
	if req.TimestampMS > 0 {
		ev.CreatedAt = time.UnixMilli(req.TimestampMS).UTC()
	}
	if err := h.store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}

	switch req.Kind {
	case api.EventCompleted:
		// The exit code is the process's to report; the monitor records the
		// observed one once the container exits.
		if err := h.store.CompleteInstance(ctx, req.InstanceID, store.StatusCompleted, store.ReasonCompleted, nil, req.Payload, nil); err != nil {
			return nil, err
		}
		if h.metrics != nil {
			h.metrics.InstancesFinished.Add(ctx, 1)
		}
	case api.EventFailed:
		var errMsg *string
		if len(req.Payload) > 0 {
			msg := string(req.Payload)
			errMsg = &msg
		}
		if err := h.store.CompleteInstance(ctx, req.InstanceID, store.StatusFailed, store.ReasonApplicationError, nil, nil, errMsg); err != nil {
			return nil, err
		}
		h.recordCompensationPlan(ctx, req.InstanceID)
		if h.metrics != nil {
			h.metrics.InstancesFinished.Add(ctx, 1)
		}
	case api.EventSuspended:
		reason := store.ReasonPaused
		if req.Subtype != nil && *req.Subtype != "" {
			reason = *req.Subtype
		}
		if err := h.store.UpdateInstanceStatus(ctx, req.InstanceID, store.StatusSuspended, &reason); err != nil {
			return nil, err
		}
	}
	return &api.InstanceEventResponse{Success: true}, nil
}

// SubtypeCompensationPlan marks the custom event carrying the rollback
// walk recorded when an instance fails with compensatable checkpoints.
const SubtypeCompensationPlan = "compensation_plan"

type compensationStep struct {
	CheckpointID       string          `json:"checkpoint_id"`
	CompensationStepID *string         `json:"compensation_step_id,omitempty"`
	CompensationData   json.RawMessage `json:"compensation_data,omitempty"`
	CompensationOrder  int             `json:"compensation_order"`
}

// recordCompensationPlan appends the rollback walk, in decreasing
// compensation order, as a custom event on a failed instance. Best effort:
// the failure itself is already recorded.
func (h *Handlers) recordCompensationPlan(ctx context.Context, instanceID string) {
	log := logger.FromContext(ctx, h.log)
	cps, err := h.store.GetCompensableCheckpoints(ctx, instanceID)
	if err != nil {
		log.Warn("load compensable checkpoints failed", "error", err)
		return
	}
	if len(cps) == 0 {
		return
	}
	steps := make([]compensationStep, 0, len(cps))
	for _, cp := range cps {
		steps = append(steps, compensationStep{
			CheckpointID:       cp.CheckpointID,
			CompensationStepID: cp.CompensationStepID,
			CompensationData:   cp.CompensationData,
			CompensationOrder:  cp.CompensationOrder,
		})
	}
	payload, err := json.Marshal(steps)
	if err != nil {
		log.Warn("encode compensation plan failed", "error", err)
		return
	}
	subtype := SubtypeCompensationPlan
	if err := h.store.InsertEvent(ctx, &store.Event{
		InstanceID: instanceID,
		Kind:       api.EventCustom,
		Subtype:    &subtype,
		Payload:    payload,
	}); err != nil {
		log.Warn("record compensation plan failed", "error", err)
	}
}

// GetInstanceStatus returns the full status view of one instance.
func (h *Handlers) GetInstanceStatus(ctx context.Context, req *api.GetInstanceStatusRequest) (*api.InstanceStatusResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	h.touch(ctx, req.InstanceID)
	inst, err := h.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	resp := StatusResponse(inst)
	return &resp, nil
}

// StatusResponse maps an instance row onto the shared wire struct.
func StatusResponse(inst *store.Instance) api.InstanceStatusResponse {
	return api.InstanceStatusResponse{
		InstanceID:        inst.ID,
		Status:            string(inst.Status),
		CheckpointID:      inst.CheckpointID,
		TerminationReason: inst.TerminationReason,
		ExitCode:          inst.ExitCode,
		CreatedAt:         inst.CreatedAt,
		StartedAt:         inst.StartedAt,
		FinishedAt:        inst.FinishedAt,
		Output:            inst.Output,
		Error:             inst.ErrorMessage,
		Stderr:            inst.Stderr,
		Attempt:           inst.Attempt,
		MaxAttempts:       inst.MaxAttempts,
		MemoryPeakBytes:   inst.MemoryPeakBytes,
		CPUUsageMicros:    inst.CPUUsageMicros,
	}
}

func (h *Handlers) attachSignals(ctx context.Context, instanceID, checkpointID string, resp *api.CheckpointResponse) error {
	sig, err := h.store.GetPendingSignal(ctx, instanceID)
	if err != nil {
		return err
	}
	if sig != nil {
		resp.PendingSignal = &api.Signal{InstanceID: sig.InstanceID, Kind: sig.Kind, Payload: sig.Payload}
	}
	cps, err := h.store.TakeCheckpointSignal(ctx, instanceID, checkpointID)
	if err != nil {
		return err
	}
	if cps != nil {
		resp.CheckpointSignal = &api.CheckpointSignal{CheckpointID: cps.CheckpointID, Payload: cps.Payload}
	}
	if h.metrics != nil && (resp.PendingSignal != nil || resp.CheckpointSignal != nil) {
		h.metrics.SignalsDelivered.Add(ctx, 1)
	}
	return nil
}

// decode is the shared request decoder for protocol registration.
func decode[T any](body json.RawMessage) (*T, error) {
	var req T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fault.Invalid("malformed request body").WithCause(err)
		}
	}
	return &req, nil
}
