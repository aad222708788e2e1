package environment

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/instance"
	"github.com/runtarahq/runtara/internal/logger"
	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/pkg/api"
)

// Health reports plane liveness.
func (s *Service) Health(ctx context.Context) (*api.HealthResponse, error) {
	active, err := s.store.CountActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	return &api.HealthResponse{
		Healthy:         true,
		Version:         s.version,
		UptimeMS:        time.Since(s.startedAt).Milliseconds(),
		ActiveInstances: active,
	}, nil
}

// StartInstance launches a new run of an image, or restarts a failed run
// with replay when the caller supplies an existing instance id.
func (s *Service) StartInstance(ctx context.Context, req *api.StartInstanceRequest) (*api.StartInstanceResponse, error) {
	if req.ImageID == "" || req.TenantID == "" {
		return nil, fault.Invalid("image_id and tenant_id are required")
	}

	img, err := s.store.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	// Cross-tenant access is reported the same as a missing image.
	if img.TenantID != req.TenantID {
		return nil, fault.NotFound("image", req.ImageID)
	}

	if s.cfg.InstanceCapacity > 0 {
		active, err := s.store.CountActiveInstances(ctx)
		if err != nil {
			return nil, err
		}
		if active >= int64(s.cfg.InstanceCapacity) {
			return nil, fault.AtCapacity(s.cfg.InstanceCapacity)
		}
	}

	timeout := s.cfg.ExecutionTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	instanceID := req.InstanceID
	var resumeCursor *string
	switch {
	case instanceID == "":
		instanceID = uuid.NewString()
		if err := s.createInstanceRow(ctx, instanceID, req); err != nil {
			return nil, err
		}
	default:
		existing, err := s.store.GetInstance(ctx, instanceID)
		switch {
		case fault.IsNotFound(err):
			if err := s.createInstanceRow(ctx, instanceID, req); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		case existing.TenantID != req.TenantID:
			return nil, fault.NotFound("instance", instanceID)
		case existing.Status == store.StatusFailed:
			reopened, err := s.store.ReopenInstance(ctx, instanceID)
			if err != nil {
				return nil, err
			}
			if !reopened {
				return nil, fault.Newf(fault.CodeInvalidTransition, fault.CategoryPermanent,
					"instance %q has no attempts left", instanceID)
			}
			resumeCursor = existing.CheckpointID
		default:
			return nil, fault.Newf(fault.CodeAlreadyExists, fault.CategoryPermanent,
				"instance %q already exists", instanceID)
		}
	}

	if err := s.launch(ctx, instanceID, req.TenantID, img, req.Input, req.Env, timeout, resumeCursor); err != nil {
		s.failLaunch(ctx, instanceID, err)
		return nil, err
	}
	return &api.StartInstanceResponse{Success: true, InstanceID: instanceID}, nil
}

func (s *Service) createInstanceRow(ctx context.Context, id string, req *api.StartInstanceRequest) error {
	return s.store.CreateInstance(ctx, &store.Instance{
		ID:             id,
		TenantID:       req.TenantID,
		ImageID:        req.ImageID,
		Status:         store.StatusPending,
		Input:          req.Input,
		Env:            req.Env,
		Attempt:        1,
		MaxAttempts:    3,
		TimeoutSeconds: req.TimeoutSeconds,
	})
}

// failLaunch records a launch error as a failed run. Used for client
// initiated starts; wakes keep the instance sleeping instead.
func (s *Service) failLaunch(ctx context.Context, instanceID string, err error) {
	msg := err.Error()
	s.store.CompleteInstance(ctx, instanceID, store.StatusFailed, store.ReasonCrashed, nil, nil, &msg)
}

// launch hands the instance to the runner and spawns its exit monitor.
// The caller decides what a launch failure means for the instance row.
func (s *Service) launch(ctx context.Context, instanceID, tenantID string, img *store.Image, input []byte, env map[string]string, timeout time.Duration, cursor *string) error {
	log := logger.FromContext(logger.WithInstanceID(ctx, instanceID), s.log)

	workDir := s.runDir(tenantID, instanceID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fault.New(fault.CodeLaunchFailed, "create run dir", fault.CategoryTransient).WithCause(err)
	}
	// The input rides the environment too, but the file survives restarts
	// and gives the binary a second channel for large payloads.
	if len(input) > 0 {
		if err := os.WriteFile(filepath.Join(workDir, runner.InputFileName), input, 0o644); err != nil {
			return fault.New(fault.CodeLaunchFailed, "write input file", fault.CategoryTransient).WithCause(err)
		}
	}

	opts := runner.LaunchOptions{
		InstanceID:           instanceID,
		TenantID:             tenantID,
		BinaryPath:           img.BlobPath,
		WorkDir:              workDir,
		Input:                input,
		Env:                  env,
		Timeout:              timeout,
		CoreAddr:             s.cfg.InstancePlaneAddr,
		SkipCertVerification: s.cfg.SkipCertVerification,
		CheckpointID:         cursor,
		NetworkMode:          s.cfg.NetworkMode,
		MemoryLimitBytes:     s.cfg.MemoryLimitBytes,
		CPULimit:             s.cfg.CPULimit,
	}
	h, err := s.runner.Launch(ctx, opts)
	if err != nil {
		log.Error("instance launch failed", "error", err)
		return fault.New(fault.CodeLaunchFailed, "instance launch failed", fault.CategoryTransient).WithCause(err)
	}

	pid := h.PID()
	var pidPtr *int
	if pid > 0 {
		pidPtr = &pid
	}
	var containerID *string
	if cid := h.ContainerID(); cid != "" {
		containerID = &cid
	}
	if err := s.store.SetInstanceRuntime(ctx, instanceID, pidPtr, containerID); err != nil {
		log.Warn("record runtime identifiers failed", "error", err)
	}

	s.trackHandle(instanceID, h)
	if s.metrics != nil {
		s.metrics.InstancesStarted.Add(ctx, 1)
	}
	log.Info("instance launched", "pid", pid, "timeout", timeout)

	go s.monitor(instanceID, tenantID, h, timeout)
	return nil
}

// StopInstance stops a running instance with a grace period and marks it
// cancelled.
func (s *Service) StopInstance(ctx context.Context, req *api.StopInstanceRequest) (*api.StopInstanceResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, fault.Newf(fault.CodeTerminal, fault.CategoryPermanent,
			"instance %q is %s", req.InstanceID, inst.Status)
	}

	grace := s.cfg.StopGrace
	if req.GraceSeconds > 0 {
		grace = time.Duration(req.GraceSeconds) * time.Second
	}
	// Mark first so the exit monitor reports the stop as cancelled rather
	// than a crash.
	if err := s.store.CompleteInstance(ctx, req.InstanceID, store.StatusCancelled, store.ReasonCancelled, nil, nil, nil); err != nil {
		return nil, err
	}
	if h := s.handle(req.InstanceID); h != nil {
		if err := h.Stop(ctx, grace); err != nil {
			logger.FromContext(ctx, s.log).Warn("stop failed", "instance_id", req.InstanceID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.InstancesFinished.Add(ctx, 1)
	}
	return &api.StopInstanceResponse{Success: true}, nil
}

// ResumeInstance relaunches a paused instance from its checkpoint cursor.
func (s *Service) ResumeInstance(ctx context.Context, req *api.ResumeInstanceRequest) (*api.ResumeInstanceResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != store.StatusSuspended || inst.TerminationReason == nil || *inst.TerminationReason != store.ReasonPaused {
		return nil, fault.Newf(fault.CodeInvalidTransition, fault.CategoryPermanent,
			"instance %q is not paused", req.InstanceID)
	}
	img, err := s.store.GetImage(ctx, inst.ImageID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateInstanceStatus(ctx, req.InstanceID, store.StatusPending, nil); err != nil {
		return nil, err
	}
	timeout := s.cfg.ExecutionTimeout
	if inst.TimeoutSeconds > 0 {
		timeout = time.Duration(inst.TimeoutSeconds) * time.Second
	}
	if err := s.launch(ctx, inst.ID, inst.TenantID, img, inst.Input, inst.Env, timeout, inst.CheckpointID); err != nil {
		s.failLaunch(ctx, inst.ID, err)
		return nil, err
	}
	return &api.ResumeInstanceResponse{Success: true}, nil
}

// ListInstances returns one filtered page of instance statuses.
func (s *Service) ListInstances(ctx context.Context, req *api.ListInstancesRequest) (*api.ListInstancesResponse, error) {
	filter := store.InstanceFilter{
		TenantID:      req.TenantID,
		Status:        store.Status(req.Status),
		ImageID:       req.ImageID,
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
		Limit:         req.Limit,
		Offset:        req.Offset,
	}
	instances, err := s.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := &api.ListInstancesResponse{
		Instances: make([]api.InstanceStatusResponse, 0, len(instances)),
		Total:     total,
	}
	for _, inst := range instances {
		resp.Instances = append(resp.Instances, instance.StatusResponse(inst))
	}
	return resp, nil
}

// GetInstanceStatus returns the full status of one instance. Same shape as
// the instance plane lookup, served on the management surface.
func (s *Service) GetInstanceStatus(ctx context.Context, req *api.GetInstanceStatusRequest) (*api.InstanceStatusResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	resp := instance.StatusResponse(inst)
	return &resp, nil
}

// SendSignal queues a control signal. A pending cancel is never downgraded
// by a later pause; the upsert guard enforces that.
func (s *Service) SendSignal(ctx context.Context, req *api.SendSignalRequest) (*api.SendSignalResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	switch req.Kind {
	case api.SignalCancel, api.SignalPause, api.SignalResume:
	default:
		return nil, fault.Newf(fault.CodeInvalidSignal, fault.CategoryPermanent, "unknown signal kind %q", req.Kind)
	}
	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, fault.Newf(fault.CodeTerminal, fault.CategoryPermanent,
			"instance %q is %s", req.InstanceID, inst.Status)
	}
	// A resume only makes sense against a pending pause; anything else
	// would hand the binary a resume it never asked to wait for.
	if req.Kind == api.SignalResume {
		pending, err := s.store.GetPendingSignal(ctx, req.InstanceID)
		if err != nil {
			return nil, err
		}
		if pending == nil || pending.Kind != api.SignalPause {
			return nil, fault.Newf(fault.CodeInvalidSignal, fault.CategoryPermanent,
				"instance %q has no pending pause to resume", req.InstanceID)
		}
	}
	if err := s.store.UpsertSignal(ctx, &store.Signal{
		InstanceID: req.InstanceID,
		Kind:       req.Kind,
		Payload:    req.Payload,
	}); err != nil {
		return nil, err
	}
	return &api.SendSignalResponse{Success: true}, nil
}

// SendCheckpointSignal delivers a payload to a named wait point.
func (s *Service) SendCheckpointSignal(ctx context.Context, req *api.SendCheckpointSignalRequest) (*api.SendCheckpointSignalResponse, error) {
	if req.InstanceID == "" || req.CheckpointID == "" {
		return nil, fault.Invalid("instance_id and checkpoint_id are required")
	}
	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, fault.Newf(fault.CodeTerminal, fault.CategoryPermanent,
			"instance %q is %s", req.InstanceID, inst.Status)
	}
	if err := s.store.InsertCheckpointSignal(ctx, &store.CheckpointSignal{
		InstanceID:   req.InstanceID,
		CheckpointID: req.CheckpointID,
		Payload:      req.Payload,
	}); err != nil {
		return nil, err
	}
	return &api.SendCheckpointSignalResponse{Success: true}, nil
}

// ListEvents pages through an instance's event log.
func (s *Service) ListEvents(ctx context.Context, req *api.ListEventsRequest) (*api.ListEventsResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	filter := store.EventFilter{
		InstanceID:    req.InstanceID,
		Kind:          req.Kind,
		Subtype:       req.Subtype,
		PayloadMatch:  req.PayloadMatch,
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
		Limit:         req.Limit,
		Offset:        req.Offset,
	}
	events, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := &api.ListEventsResponse{Events: make([]api.EventInfo, 0, len(events)), Total: total}
	for _, ev := range events {
		resp.Events = append(resp.Events, api.EventInfo{
			ID:           ev.ID,
			InstanceID:   ev.InstanceID,
			Kind:         ev.Kind,
			Subtype:      ev.Subtype,
			CheckpointID: ev.CheckpointID,
			Payload:      ev.Payload,
			CreatedAt:    ev.CreatedAt,
		})
	}
	return resp, nil
}

// ListCheckpoints pages through an instance's checkpoint log. State bytes
// stay server side; only sizes are reported.
func (s *Service) ListCheckpoints(ctx context.Context, req *api.ListCheckpointsRequest) (*api.ListCheckpointsResponse, error) {
	if req.InstanceID == "" {
		return nil, fault.Invalid("instance_id is required")
	}
	filter := store.CheckpointFilter{
		InstanceID:    req.InstanceID,
		CheckpointID:  req.CheckpointID,
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
		Limit:         req.Limit,
		Offset:        req.Offset,
	}
	checkpoints, err := s.store.ListCheckpoints(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountCheckpoints(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := &api.ListCheckpointsResponse{
		Checkpoints: make([]api.CheckpointInfo, 0, len(checkpoints)),
		Total:       total,
	}
	for _, cp := range checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, api.CheckpointInfo{
			Sequence:       cp.Seq,
			InstanceID:     cp.InstanceID,
			CheckpointID:   cp.CheckpointID,
			StateSize:      len(cp.State),
			IsRetryAttempt: cp.IsRetryAttempt,
			Attempt:        cp.Attempt,
			ErrorMessage:   cp.ErrorMessage,
			CreatedAt:      cp.CreatedAt,
		})
	}
	return resp, nil
}

func (s *Service) runDir(tenantID, instanceID string) string {
	return filepath.Join(s.cfg.DataRoot, tenantID, "runs", instanceID)
}
