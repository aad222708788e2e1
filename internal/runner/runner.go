// Package runner provides the Runner interface for launching workflow
// binaries. Implementations include OCI containers (crun), Docker, and an
// in-process mock for tests.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Runner kinds.
const (
	KindOCI    = "oci"
	KindDocker = "docker"
	KindMock   = "mock"
)

// Per-run files under WorkDir shared between the runner and the monitor.
const (
	InputFileName  = "input.json"
	OutputFileName = "output.json"
	StderrFileName = "stderr.log"
)

// LaunchOptions contains the parameters for launching one instance.
type LaunchOptions struct {
	InstanceID string
	TenantID   string

	// BinaryPath points at the registered image blob.
	BinaryPath string
	// WorkDir is the per-run directory. The runner creates it and the
	// binary writes output.json there as a fallback result channel.
	WorkDir string

	Input   []byte
	Env     map[string]string
	Timeout time.Duration

	// Instance plane connection handed to the binary.
	CoreAddr             string
	ServerName           string
	SkipCertVerification bool

	// CheckpointID is the resume cursor after a wake, nil on first launch.
	CheckpointID *string

	NetworkMode string

	// Resource caps for the container. Zero means unlimited.
	MemoryLimitBytes int64
	CPULimit         float64
}

// ExitResult reports how an instance process ended.
type ExitResult struct {
	ExitCode        int
	OOMKilled       bool
	MemoryPeakBytes *int64
	CPUUsageMicros  *int64
}

// Handle represents one launched instance.
type Handle interface {
	// PID returns the host pid, or 0 when the runtime hides it.
	PID() int
	// ContainerID returns the runtime container id, empty for raw processes.
	ContainerID() string
	// Wait blocks until the instance exits.
	Wait(ctx context.Context) (ExitResult, error)
	// Stop terminates the instance, graceful first, forced after grace.
	Stop(ctx context.Context, grace time.Duration) error
}

// Runner launches workflow binaries.
type Runner interface {
	Kind() string
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
}

// BuildEnv assembles the environment handed to a workflow binary: the
// caller-supplied variables plus the connection contract.
func BuildEnv(opts LaunchOptions) map[string]string {
	env := make(map[string]string, len(opts.Env)+8)
	for k, v := range opts.Env {
		env[k] = v
	}
	env["RUNTARA_INSTANCE_ID"] = opts.InstanceID
	env["RUNTARA_TENANT_ID"] = opts.TenantID
	env["RUNTARA_SERVER_ADDR"] = opts.CoreAddr
	if opts.ServerName != "" {
		env["RUNTARA_SERVER_NAME"] = opts.ServerName
	}
	if opts.SkipCertVerification {
		env["RUNTARA_SKIP_CERT_VERIFICATION"] = "true"
	}
	if opts.CheckpointID != nil && *opts.CheckpointID != "" {
		env["RUNTARA_CHECKPOINT_ID"] = *opts.CheckpointID
	}
	if len(opts.Input) > 0 {
		env["RUNTARA_INPUT"] = string(opts.Input)
	}
	if opts.Timeout > 0 {
		env["RUNTARA_TIMEOUT_MS"] = strconv.FormatInt(opts.Timeout.Milliseconds(), 10)
	}
	return env
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// New constructs a runner of the given kind.
func New(kind string, opts Options) (Runner, error) {
	switch kind {
	case KindOCI:
		return NewOCIRunner(opts)
	case KindDocker:
		return NewDockerRunner(opts)
	case KindMock:
		return NewMockRunner(), nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", kind)
	}
}

// Options carries runner construction settings shared by all kinds.
type Options struct {
	// BundleDir is where OCI bundles are materialized.
	BundleDir string
	// CgroupDriver selects cgroupfs or systemd for the OCI runner.
	CgroupDriver string
	// BaseImage is the Docker image the binary is mounted into.
	BaseImage string
}
