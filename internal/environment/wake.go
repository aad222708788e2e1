package environment

import (
	"context"
	"time"

	"github.com/runtarahq/runtara/internal/store"
)

// RunWakeScheduler polls for sleeping instances whose deadline has passed
// and relaunches them with their resume cursor. It blocks until ctx is
// cancelled.
func (s *Service) RunWakeScheduler(ctx context.Context) error {
	tick := s.cfg.WakeTick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.log.Info("wake scheduler started", "tick", tick, "batch", s.cfg.WakeBatchSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.wakeDue(ctx)
		}
	}
}

func (s *Service) wakeDue(ctx context.Context) {
	due, err := s.store.GetSleepingInstancesDue(ctx, time.Now().UTC(), s.cfg.WakeBatchSize)
	if err != nil {
		s.log.Warn("wake scan failed", "error", err)
		return
	}
	for _, inst := range due {
		if ctx.Err() != nil {
			return
		}
		s.wakeOne(ctx, inst)
	}
}

// wakeOne relaunches one due sleeper. The guarded sleep clear makes the
// relaunch single-winner across schedulers sharing the store.
func (s *Service) wakeOne(ctx context.Context, inst *store.Instance) {
	log := s.log.With("instance_id", inst.ID)

	won, err := s.store.ClearInstanceSleep(ctx, inst.ID)
	if err != nil {
		log.Warn("clear sleep failed", "error", err)
		return
	}
	if !won {
		return
	}

	img, err := s.store.GetImage(ctx, inst.ImageID)
	if err != nil {
		log.Error("wake failed, image missing", "image_id", inst.ImageID, "error", err)
		s.restoreSleep(ctx, inst)
		return
	}
	timeout := s.cfg.ExecutionTimeout
	if inst.TimeoutSeconds > 0 {
		timeout = time.Duration(inst.TimeoutSeconds) * time.Second
	}
	if err := s.launch(ctx, inst.ID, inst.TenantID, img, inst.Input, inst.Env, timeout, inst.CheckpointID); err != nil {
		log.Warn("wake relaunch failed", "error", err)
		if s.metrics != nil {
			s.metrics.WakeFailures.Add(ctx, 1)
		}
		s.restoreSleep(ctx, inst)
		return
	}
	if s.metrics != nil {
		s.metrics.InstancesWoken.Add(ctx, 1)
	}
	log.Info("instance woken", "checkpoint_id", inst.CheckpointID)
}

// restoreSleep pushes a failed wake back to sleeping with a short backoff
// so the next tick retries instead of dropping the instance.
func (s *Service) restoreSleep(ctx context.Context, inst *store.Instance) {
	until := time.Now().UTC().Add(s.cfg.WakeTick * 2)
	if err := s.store.SetInstanceSleep(ctx, inst.ID, until); err != nil {
		s.log.Error("restore sleep failed", "instance_id", inst.ID, "error", err)
	}
}
