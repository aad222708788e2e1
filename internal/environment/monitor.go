package environment

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/store"
)

// monitor observes one launched instance until it exits and reconciles the
// stored status with what the process reported. The binary's own terminal
// report through the instance plane wins; the monitor only classifies runs
// the binary could not report on.
func (s *Service) monitor(instanceID, tenantID string, h runner.Handle, timeout time.Duration) {
	ctx := context.Background()
	log := s.log.With("instance_id", instanceID)

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := h.Wait(waitCtx)
	if waitCtx.Err() != nil {
		// Execution deadline hit: stop the instance and record the
		// timeout. The grace period still lets it flush a final event.
		log.Warn("instance exceeded execution timeout", "timeout", timeout)
		stopCtx, stopCancel := context.WithTimeout(ctx, s.cfg.StopGrace+5*time.Second)
		h.Stop(stopCtx, s.cfg.StopGrace)
		stopCancel()
		res, _ = h.Wait(ctx)
		s.takeHandle(instanceID)
		s.recordUsage(ctx, instanceID, res)
		reason := store.ReasonTimeout
		s.store.CompleteInstance(ctx, instanceID, store.StatusFailed, reason, &res.ExitCode, nil, nil)
		s.finishMetric(ctx)
		return
	}
	s.takeHandle(instanceID)
	if err != nil {
		log.Warn("instance wait failed", "error", err)
	}
	s.recordUsage(ctx, instanceID, res)

	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		log.Error("load instance after exit failed", "error", err)
		return
	}
	// Terminal report already applied, or a durable sleep is in flight.
	// The event-reported completion carries no process exit code, so the
	// observed one is recorded here.
	if inst.Status.IsTerminal() || inst.Status == store.StatusSuspended {
		if inst.Status.IsTerminal() {
			if err := s.store.SetInstanceExitCode(ctx, instanceID, res.ExitCode); err != nil {
				log.Warn("record exit code failed", "error", err)
			}
		}
		log.Info("instance exited", "status", inst.Status, "exit_code", res.ExitCode)
		return
	}

	// The process died without a terminal report. output.json in the run
	// dir is the fallback result channel for binaries without a live
	// connection at exit time. A clean exit with neither a report nor an
	// output file is still a crash.
	if res.ExitCode == 0 {
		if output := s.readOutputFile(tenantID, instanceID); output != nil {
			s.store.CompleteInstance(ctx, instanceID, store.StatusCompleted, store.ReasonCompleted, &res.ExitCode, output, nil)
			s.finishMetric(ctx)
			log.Info("instance completed via exit observation", "exit_code", 0)
			return
		}
		msg := "exited without a terminal report or output file"
		s.store.CompleteInstance(ctx, instanceID, store.StatusFailed, store.ReasonCrashed, &res.ExitCode, nil, &msg)
		s.recordStderr(ctx, tenantID, instanceID)
		s.finishMetric(ctx)
		log.Warn("instance exited silently", "exit_code", 0)
		return
	}

	reason := store.ReasonCrashed
	var msg *string
	if res.OOMKilled {
		m := "killed by the out of memory killer"
		msg = &m
	}
	s.store.CompleteInstance(ctx, instanceID, store.StatusFailed, reason, &res.ExitCode, nil, msg)
	s.recordStderr(ctx, tenantID, instanceID)
	s.finishMetric(ctx)
	log.Warn("instance crashed", "exit_code", res.ExitCode, "oom", res.OOMKilled)
}

func (s *Service) recordUsage(ctx context.Context, instanceID string, res runner.ExitResult) {
	if res.MemoryPeakBytes == nil && res.CPUUsageMicros == nil {
		return
	}
	if err := s.store.SetInstanceUsage(ctx, instanceID, res.MemoryPeakBytes, res.CPUUsageMicros); err != nil {
		s.log.Warn("record usage failed", "instance_id", instanceID, "error", err)
	}
}

func (s *Service) finishMetric(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.InstancesFinished.Add(ctx, 1)
	}
}

// readOutputFile loads and validates the fallback output.json, returning
// nil when it is absent or not valid JSON.
func (s *Service) readOutputFile(tenantID, instanceID string) []byte {
	path := filepath.Join(s.runDir(tenantID, instanceID), runner.OutputFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if !json.Valid(raw) {
		s.log.Warn("ignoring malformed output.json", "instance_id", instanceID)
		return nil
	}
	return raw
}

// maxStderrBytes caps the stored stderr tail.
const maxStderrBytes = 16 << 10

// recordStderr stores the tail of the captured stderr log on a crashed run.
func (s *Service) recordStderr(ctx context.Context, tenantID, instanceID string) {
	path := filepath.Join(s.runDir(tenantID, instanceID), runner.StderrFileName)
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return
	}
	if len(raw) > maxStderrBytes {
		raw = raw[len(raw)-maxStderrBytes:]
	}
	tail := string(raw)
	if err := s.store.SetInstanceStderr(ctx, instanceID, &tail); err != nil {
		s.log.Warn("record stderr failed", "instance_id", instanceID, "error", err)
	}
}
