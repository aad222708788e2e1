package environment

import (
	"context"
	"syscall"
	"time"

	"github.com/runtarahq/runtara/internal/store"
)

// RunHeartbeatMonitor periodically fails running instances that have gone
// silent past the heartbeat timeout. Activity is any event or row update;
// binaries that neither checkpoint nor emit events are expected to send
// heartbeat events. Blocks until ctx is cancelled.
func (s *Service) RunHeartbeatMonitor(ctx context.Context) error {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("heartbeat monitor started", "interval", interval, "timeout", s.cfg.HeartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepStale(ctx)
		}
	}
}

func (s *Service) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.HeartbeatTimeout)
	stale, err := s.store.GetStaleRunningInstances(ctx, cutoff)
	if err != nil {
		s.log.Warn("stale scan failed", "error", err)
		return
	}
	for _, inst := range stale {
		log := s.log.With("instance_id", inst.ID)
		// Mark first so the exit monitor sees a terminal row and does not
		// classify the forced stop as a crash.
		reason := store.ReasonHeartbeatTimeout
		if err := s.store.CompleteInstance(ctx, inst.ID, store.StatusFailed, reason, nil, nil, nil); err != nil {
			log.Warn("mark heartbeat timeout failed", "error", err)
			continue
		}
		if h := s.takeHandle(inst.ID); h != nil {
			stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace+5*time.Second)
			h.Stop(stopCtx, s.cfg.StopGrace)
			cancel()
		}
		if s.metrics != nil {
			s.metrics.HeartbeatKills.Add(ctx, 1)
		}
		s.finishMetric(ctx)
		log.Warn("instance killed on heartbeat timeout", "cutoff", cutoff)
	}
}

// SweepOrphans reconciles instances the store believes are running after a
// plane restart. Surviving processes are killed; their rows are failed as
// crashed so a restart with replay stays possible.
func (s *Service) SweepOrphans(ctx context.Context) error {
	running, err := s.store.GetRunningInstances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range running {
		log := s.log.With("instance_id", inst.ID)
		if inst.PID != nil && processAlive(*inst.PID) {
			log.Warn("killing orphaned instance process", "pid", *inst.PID)
			syscall.Kill(-*inst.PID, syscall.SIGKILL)
			syscall.Kill(*inst.PID, syscall.SIGKILL)
		}
		reason := store.ReasonCrashed
		msg := "environment plane restarted while instance was running"
		if err := s.store.CompleteInstance(ctx, inst.ID, store.StatusFailed, reason, nil, nil, &msg); err != nil {
			log.Warn("mark orphan failed", "error", err)
			continue
		}
		log.Info("orphaned instance reconciled")
	}
	if len(running) > 0 {
		s.log.Info("orphan sweep finished", "count", len(running))
	}
	return nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
