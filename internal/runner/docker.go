package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const defaultBaseImage = "debian:bookworm-slim"

// DockerRunner launches workflow binaries inside containers using the
// Docker SDK. The registered binary is bind-mounted into a base image.
type DockerRunner struct {
	client    *client.Client
	baseImage string
}

// NewDockerRunner creates a Docker-based runner. The client is configured
// from the standard environment variables (DOCKER_HOST, etc.).
func NewDockerRunner(opts Options) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	base := opts.BaseImage
	if base == "" {
		base = defaultBaseImage
	}
	return &DockerRunner{client: cli, baseImage: base}, nil
}

func (d *DockerRunner) Kind() string { return KindDocker }

// Launch creates and starts a container running the workflow binary.
func (d *DockerRunner) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	if _, err := d.client.ImageInspect(ctx, d.baseImage); err != nil {
		reader, err := d.client.ImagePull(ctx, d.baseImage, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("pull base image %s: %w", d.baseImage, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	netMode := container.NetworkMode("none")
	if opts.NetworkMode == "host" {
		netMode = container.NetworkMode("host")
	}

	containerConfig := &container.Config{
		Image:      d.baseImage,
		Cmd:        []string{"/workflow"},
		Env:        envList(BuildEnv(opts)),
		WorkingDir: "/work",
	}
	hostConfig := &container.HostConfig{
		NetworkMode: netMode,
		Binds: []string{
			opts.BinaryPath + ":/workflow:ro",
			opts.WorkDir + ":/work",
		},
	}
	if opts.MemoryLimitBytes > 0 {
		hostConfig.Resources.Memory = opts.MemoryLimitBytes
	}
	if opts.CPULimit > 0 {
		hostConfig.Resources.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	created, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "runtara-"+opts.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}
	return &dockerHandle{client: d.client, containerID: created.ID, workDir: opts.WorkDir}, nil
}

type dockerHandle struct {
	client      *client.Client
	containerID string
	workDir     string
}

func (h *dockerHandle) PID() int { return 0 }

func (h *dockerHandle) ContainerID() string { return h.containerID }

func (h *dockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1}, err
	case status := <-statusCh:
		res := ExitResult{ExitCode: int(status.StatusCode)}
		if inspect, err := h.client.ContainerInspect(ctx, h.containerID); err == nil && inspect.State != nil {
			res.OOMKilled = inspect.State.OOMKilled
		}
		h.copyStderr(ctx)
		h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
		return res, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1}, ctx.Err()
	}
}

// copyStderr writes the container's stderr stream to the run's stderr log
// before the container is removed. Best effort.
func (h *dockerHandle) copyStderr(ctx context.Context) {
	if h.workDir == "" {
		return
	}
	logs, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{ShowStderr: true})
	if err != nil {
		return
	}
	defer logs.Close()
	out, err := os.Create(filepath.Join(h.workDir, StderrFileName))
	if err != nil {
		return
	}
	defer out.Close()
	_, _ = stdcopy.StdCopy(io.Discard, out, logs)
}

func (h *dockerHandle) Stop(ctx context.Context, grace time.Duration) error {
	timeout := int(grace / time.Second)
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}
