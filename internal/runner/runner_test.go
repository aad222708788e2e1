package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildEnv(t *testing.T) {
	cursor := "cp-5"
	env := BuildEnv(LaunchOptions{
		InstanceID:           "wf-1",
		TenantID:             "tenant-1",
		CoreAddr:             "127.0.0.1:7233",
		ServerName:           "runtara",
		SkipCertVerification: true,
		CheckpointID:         &cursor,
		Input:                []byte(`{"n":1}`),
		Timeout:              2 * time.Second,
		Env:                  map[string]string{"APP_MODE": "test"},
	})

	want := map[string]string{
		"RUNTARA_INSTANCE_ID":            "wf-1",
		"RUNTARA_TENANT_ID":              "tenant-1",
		"RUNTARA_SERVER_ADDR":            "127.0.0.1:7233",
		"RUNTARA_SERVER_NAME":            "runtara",
		"RUNTARA_SKIP_CERT_VERIFICATION": "true",
		"RUNTARA_CHECKPOINT_ID":          "cp-5",
		"RUNTARA_INPUT":                  `{"n":1}`,
		"RUNTARA_TIMEOUT_MS":             "2000",
		"APP_MODE":                       "test",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
}

func TestBuildEnv_OmitsEmptyOptions(t *testing.T) {
	env := BuildEnv(LaunchOptions{InstanceID: "wf-1", TenantID: "t", CoreAddr: "addr"})
	for _, k := range []string{"RUNTARA_CHECKPOINT_ID", "RUNTARA_INPUT", "RUNTARA_SKIP_CERT_VERIFICATION", "RUNTARA_SERVER_NAME"} {
		if _, ok := env[k]; ok {
			t.Errorf("env[%s] present, want absent", k)
		}
	}
}

func TestWriteBundle(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	work := filepath.Join(dir, "work")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}

	bundle := filepath.Join(dir, "bundle")
	err := writeBundle(bundle, LaunchOptions{
		InstanceID:  "wf-1",
		TenantID:    "tenant-1",
		BinaryPath:  bin,
		WorkDir:     work,
		CoreAddr:    "127.0.0.1:7233",
		NetworkMode: "none",
	})
	if err != nil {
		t.Fatalf("writeBundle() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	var spec ociSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		t.Fatalf("decode config.json: %v", err)
	}
	if !spec.Root.Readonly {
		t.Error("rootfs must be read only")
	}
	if !spec.Process.NoNewPrivileges {
		t.Error("noNewPrivileges must be set")
	}
	if spec.Process.Args[0] != "/workflow" {
		t.Errorf("args = %v, want /workflow entrypoint", spec.Process.Args)
	}
	var hasNetNS bool
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == "network" {
			hasNetNS = true
		}
	}
	if !hasNetNS {
		t.Error("network namespace missing for network_mode none")
	}
	if _, err := os.Stat(filepath.Join(bundle, "rootfs", "workflow")); err != nil {
		t.Errorf("staged binary missing: %v", err)
	}
}

func TestWriteBundle_ResourceCaps(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.WriteFile(bin, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	bundle := filepath.Join(dir, "bundle")
	err := writeBundle(bundle, LaunchOptions{
		InstanceID:       "wf-1",
		BinaryPath:       bin,
		WorkDir:          dir,
		MemoryLimitBytes: 128 << 20,
		CPULimit:         1.5,
	})
	if err != nil {
		t.Fatalf("writeBundle() error = %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(bundle, "config.json"))
	var spec ociSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		t.Fatal(err)
	}
	res := spec.Linux.Resources
	if res == nil || res.Memory == nil || res.Memory.Limit == nil || *res.Memory.Limit != 128<<20 {
		t.Errorf("memory limit missing or wrong: %+v", res)
	}
	if res.CPU == nil || res.CPU.Quota == nil || res.CPU.Period == nil {
		t.Fatalf("cpu caps missing: %+v", res)
	}
	// 1.5 cores over a 100ms period.
	if *res.CPU.Quota != 150000 || *res.CPU.Period != 100000 {
		t.Errorf("cpu quota/period = %d/%d, want 150000/100000", *res.CPU.Quota, *res.CPU.Period)
	}
}

func TestWriteBundle_NoCapsOmitsLimits(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.WriteFile(bin, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	bundle := filepath.Join(dir, "bundle")
	if err := writeBundle(bundle, LaunchOptions{
		InstanceID: "wf-1", BinaryPath: bin, WorkDir: dir,
	}); err != nil {
		t.Fatalf("writeBundle() error = %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(bundle, "config.json"))
	var spec ociSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		t.Fatal(err)
	}
	res := spec.Linux.Resources
	if res == nil || res.Pids == nil {
		t.Fatal("pid limit must always be present")
	}
	if res.Memory != nil || res.CPU != nil {
		t.Errorf("zero caps must mean unlimited, got %+v", res)
	}
}

func TestWriteBundle_HostNetworkSkipsNamespace(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.WriteFile(bin, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	bundle := filepath.Join(dir, "bundle")
	err := writeBundle(bundle, LaunchOptions{
		InstanceID:  "wf-1",
		BinaryPath:  bin,
		WorkDir:     dir,
		NetworkMode: "host",
	})
	if err != nil {
		t.Fatalf("writeBundle() error = %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(bundle, "config.json"))
	var spec ociSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		t.Fatal(err)
	}
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == "network" {
			t.Error("network namespace present for network_mode host")
		}
	}
}

func TestMockRunner(t *testing.T) {
	m := NewMockRunner()
	ctx := context.Background()

	h, err := m.Launch(ctx, LaunchOptions{InstanceID: "wf-1"})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if got := len(m.Launches()); got != 1 {
		t.Fatalf("launches = %d, want 1", got)
	}

	code := 3
	go m.Handle("wf-1").Exit(ExitResult{ExitCode: code})
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.ExitCode != code {
		t.Errorf("exit code = %d, want %d", res.ExitCode, code)
	}
}
