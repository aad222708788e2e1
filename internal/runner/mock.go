package runner

import (
	"context"
	"sync"
	"time"
)

// MockRunner records launches and lets tests script instance exits.
type MockRunner struct {
	mu       sync.Mutex
	launches []LaunchOptions
	handles  map[string]*MockHandle

	// LaunchErr, when set, fails every launch.
	LaunchErr error
}

// NewMockRunner creates an empty mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{handles: make(map[string]*MockHandle)}
}

func (m *MockRunner) Kind() string { return KindMock }

func (m *MockRunner) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LaunchErr != nil {
		return nil, m.LaunchErr
	}
	m.launches = append(m.launches, opts)
	h := &MockHandle{pid: 1000 + len(m.launches), done: make(chan struct{})}
	m.handles[opts.InstanceID] = h
	return h, nil
}

// Launches returns a snapshot of all launch options seen so far.
func (m *MockRunner) Launches() []LaunchOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LaunchOptions, len(m.launches))
	copy(out, m.launches)
	return out
}

// Handle returns the handle for an instance id, or nil.
func (m *MockRunner) Handle(instanceID string) *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[instanceID]
}

// MockHandle is a scriptable instance handle.
type MockHandle struct {
	pid int

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	res     ExitResult
}

func (h *MockHandle) PID() int { return h.pid }

func (h *MockHandle) ContainerID() string { return "" }

func (h *MockHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1}, ctx.Err()
	}
}

func (h *MockHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if !h.exited() {
		h.res = ExitResult{ExitCode: 137}
		close(h.done)
	}
	return nil
}

// Exit finishes the instance with the given result. Safe to call once.
func (h *MockHandle) Exit(res ExitResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited() {
		return
	}
	h.res = res
	close(h.done)
}

// Stopped reports whether Stop was called.
func (h *MockHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *MockHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
