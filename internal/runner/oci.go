package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// OCIRunner launches workflow binaries as crun containers, one bundle per
// run under BundleDir.
type OCIRunner struct {
	bundleDir    string
	cgroupDriver string
}

// NewOCIRunner creates an OCI runner backed by crun.
func NewOCIRunner(opts Options) (*OCIRunner, error) {
	if opts.BundleDir == "" {
		return nil, fmt.Errorf("bundle dir is required for the oci runner")
	}
	if _, err := exec.LookPath("crun"); err != nil {
		return nil, fmt.Errorf("crun not found in PATH: %w", err)
	}
	if err := os.MkdirAll(opts.BundleDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	return &OCIRunner{bundleDir: opts.BundleDir, cgroupDriver: opts.CgroupDriver}, nil
}

func (r *OCIRunner) Kind() string { return KindOCI }

// Launch materializes a bundle and starts `crun run`. The container id is
// the instance id, so stale containers from a prior run are deleted first.
func (r *OCIRunner) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	bundle := filepath.Join(r.bundleDir, opts.InstanceID)
	if err := os.RemoveAll(bundle); err != nil {
		return nil, fmt.Errorf("clear stale bundle: %w", err)
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := writeBundle(bundle, opts); err != nil {
		return nil, err
	}

	// Delete is best effort; a leftover container with the same id would
	// otherwise fail the run.
	exec.Command("crun", "delete", "--force", opts.InstanceID).Run()

	stderrLog, err := os.Create(filepath.Join(opts.WorkDir, StderrFileName))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command("crun", "run", "--bundle", bundle, opts.InstanceID)
	cmd.Stdout = nil
	cmd.Stderr = stderrLog
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		stderrLog.Close()
		return nil, fmt.Errorf("start crun: %w", err)
	}

	h := &ociHandle{
		cmd:         cmd,
		containerID: opts.InstanceID,
		bundle:      bundle,
		stderrLog:   stderrLog,
		done:        make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

type ociHandle struct {
	cmd         *exec.Cmd
	containerID string
	bundle      string
	stderrLog   *os.File

	// res and err are published by reap before done closes.
	done chan struct{}
	res  ExitResult
	err  error
}

func (h *ociHandle) reap() {
	err := h.cmd.Wait()
	res := ExitResult{}
	if state := h.cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
			// MaxRSS is in KiB on Linux.
			peak := ru.Maxrss * 1024
			cpu := ru.Utime.Nano()/1000 + ru.Stime.Nano()/1000
			res.MemoryPeakBytes = &peak
			res.CPUUsageMicros = &cpu
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.err = err
	}
	h.res = res
	h.stderrLog.Close()
	os.RemoveAll(h.bundle)
	close(h.done)
}

func (h *ociHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ociHandle) ContainerID() string { return h.containerID }

func (h *ociHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return ExitResult{ExitCode: -1}, ctx.Err()
	}
}

// Stop asks crun for a graceful SIGTERM, then kills the container after
// the grace period.
func (h *ociHandle) Stop(ctx context.Context, grace time.Duration) error {
	exec.Command("crun", "kill", h.containerID, "TERM").Run()
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
		return ctx.Err()
	}
	exec.Command("crun", "kill", h.containerID, "KILL").Run()
	exec.Command("crun", "delete", "--force", h.containerID).Run()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
