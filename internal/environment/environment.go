// Package environment implements the environment plane: image registry,
// instance supervisor, wake scheduler and heartbeat monitor behind the
// management protocol.
package environment

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/runtarahq/runtara/internal/config"
	"github.com/runtarahq/runtara/internal/observability"
	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/store"
)

// Service owns the environment plane state: the store, the runner, and
// the supervised handles of locally launched instances.
type Service struct {
	store   store.Store
	runner  runner.Runner
	cfg     config.EnvironmentConfig
	log     *slog.Logger
	metrics *observability.PlaneMetrics
	version string

	startedAt time.Time

	// uploadLimiter throttles streamed image uploads across all clients.
	uploadLimiter *rate.Limiter

	mu      sync.Mutex
	handles map[string]runner.Handle
}

// NewService creates the environment plane service. metrics may be nil.
func NewService(st store.Store, rn runner.Runner, cfg config.EnvironmentConfig, log *slog.Logger, metrics *observability.PlaneMetrics, version string) *Service {
	var limiter *rate.Limiter
	if cfg.UploadBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadBytesPerSec), int(cfg.UploadBytesPerSec))
	}
	return &Service{
		store:         st,
		runner:        rn,
		cfg:           cfg,
		log:           log,
		metrics:       metrics,
		version:       version,
		startedAt:     time.Now(),
		uploadLimiter: limiter,
		handles:       make(map[string]runner.Handle),
	}
}

func (s *Service) trackHandle(instanceID string, h runner.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[instanceID] = h
}

func (s *Service) takeHandle(instanceID string) runner.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[instanceID]
	delete(s.handles, instanceID)
	return h
}

func (s *Service) handle(instanceID string) runner.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[instanceID]
}
