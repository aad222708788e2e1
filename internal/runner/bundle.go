package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Minimal OCI runtime config. Only the fields crun needs for a static
// workflow binary are modeled.
type ociSpec struct {
	OCIVersion string      `json:"ociVersion"`
	Process    ociProcess  `json:"process"`
	Root       ociRoot     `json:"root"`
	Hostname   string      `json:"hostname"`
	Mounts     []ociMount  `json:"mounts"`
	Linux      ociLinux    `json:"linux"`
	Hooks      interface{} `json:"hooks,omitempty"`
}

type ociProcess struct {
	Terminal        bool     `json:"terminal"`
	User            ociUser  `json:"user"`
	Args            []string `json:"args"`
	Env             []string `json:"env"`
	Cwd             string   `json:"cwd"`
	NoNewPrivileges bool     `json:"noNewPrivileges"`
}

type ociUser struct {
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
}

type ociRoot struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type ociMount struct {
	Destination string   `json:"destination"`
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Options     []string `json:"options,omitempty"`
}

type ociLinux struct {
	Namespaces  []ociNamespace `json:"namespaces"`
	Resources   *ociResources  `json:"resources,omitempty"`
	MaskedPaths []string       `json:"maskedPaths,omitempty"`
}

type ociNamespace struct {
	Type string `json:"type"`
}

type ociResources struct {
	Memory *ociMemory `json:"memory,omitempty"`
	CPU    *ociCPU    `json:"cpu,omitempty"`
	Pids   *ociPids   `json:"pids,omitempty"`
}

type ociMemory struct {
	Limit *int64 `json:"limit,omitempty"`
}

type ociCPU struct {
	Quota  *int64  `json:"quota,omitempty"`
	Period *uint64 `json:"period,omitempty"`
}

type ociPids struct {
	Limit int64 `json:"limit"`
}

// writeBundle materializes an OCI bundle for one run: a rootfs with the
// workflow binary, the run work dir bind-mounted at /work, and a
// config.json with restricted namespaces and no new privileges.
func writeBundle(dir string, opts LaunchOptions) error {
	rootfs := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(filepath.Join(rootfs, "work"), 0o755); err != nil {
		return fmt.Errorf("create rootfs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(rootfs, "tmp"), 0o1777); err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	if err := copyFile(opts.BinaryPath, filepath.Join(rootfs, "workflow"), 0o755); err != nil {
		return fmt.Errorf("stage binary: %w", err)
	}

	namespaces := []ociNamespace{
		{Type: "pid"},
		{Type: "mount"},
		{Type: "ipc"},
		{Type: "uts"},
	}
	if opts.NetworkMode != "host" {
		namespaces = append(namespaces, ociNamespace{Type: "network"})
	}

	pidLimit := int64(256)
	resources := &ociResources{Pids: &ociPids{Limit: pidLimit}}
	if opts.MemoryLimitBytes > 0 {
		limit := opts.MemoryLimitBytes
		resources.Memory = &ociMemory{Limit: &limit}
	}
	if opts.CPULimit > 0 {
		// Quota over a 100ms period, so CPULimit is a core count.
		period := uint64(100000)
		quota := int64(opts.CPULimit * float64(period))
		resources.CPU = &ociCPU{Quota: &quota, Period: &period}
	}
	spec := ociSpec{
		OCIVersion: "1.0.2",
		Process: ociProcess{
			User:            ociUser{UID: 0, GID: 0},
			Args:            []string{"/workflow"},
			Env:             envList(BuildEnv(opts)),
			Cwd:             "/work",
			NoNewPrivileges: true,
		},
		Root:     ociRoot{Path: "rootfs", Readonly: true},
		Hostname: opts.InstanceID,
		Mounts: []ociMount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777"}},
			{Destination: "/work", Type: "bind", Source: opts.WorkDir, Options: []string{"rbind", "rw"}},
		},
		Linux: ociLinux{
			Namespaces:  namespaces,
			Resources:   resources,
			MaskedPaths: []string{"/proc/kcore", "/proc/keys", "/sys/firmware"},
		},
	}

	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		return fmt.Errorf("write bundle config: %w", err)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
