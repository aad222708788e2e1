package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Error("expected error when database_url is missing")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "postgres://localhost/runtara_test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseDriver != DriverPostgres {
		t.Errorf("expected driver postgres, got %s", cfg.DatabaseDriver)
	}
	if cfg.Instance.ListenAddr != ":7233" {
		t.Errorf("expected instance listen addr :7233, got %s", cfg.Instance.ListenAddr)
	}
	if cfg.Instance.MaxInstances != 32 {
		t.Errorf("expected max_instances 32, got %d", cfg.Instance.MaxInstances)
	}
	if cfg.Instance.SleepThreshold != 30*time.Second {
		t.Errorf("expected sleep_threshold 30s, got %v", cfg.Instance.SleepThreshold)
	}
	if cfg.Environment.RunnerKind != RunnerOCI {
		t.Errorf("expected runner_kind oci, got %s", cfg.Environment.RunnerKind)
	}
	if cfg.Environment.WakeTick != 5*time.Second {
		t.Errorf("expected wake_tick 5s, got %v", cfg.Environment.WakeTick)
	}
	if cfg.Environment.WakeBatchSize != 16 {
		t.Errorf("expected wake_batch_size 16, got %d", cfg.Environment.WakeBatchSize)
	}
	if cfg.Environment.HeartbeatTimeout != 5*time.Minute {
		t.Errorf("expected heartbeat_timeout 5m, got %v", cfg.Environment.HeartbeatTimeout)
	}
	if cfg.Environment.BundleDir != "/var/lib/runtara/bundles" {
		t.Errorf("expected bundle_dir derived from data_root, got %s", cfg.Environment.BundleDir)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "postgres://custom/db")
	t.Setenv("RUNTARA_DATABASE_DRIVER", "sqlite")
	t.Setenv("RUNTARA_INSTANCE_LISTEN_ADDR", ":9000")
	t.Setenv("RUNTARA_ENVIRONMENT_RUNNER_KIND", "mock")
	t.Setenv("RUNTARA_ENVIRONMENT_NETWORK_MODE", "pasta")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Errorf("expected driver sqlite, got %s", cfg.DatabaseDriver)
	}
	if cfg.Instance.ListenAddr != ":9000" {
		t.Errorf("expected instance listen addr :9000, got %s", cfg.Instance.ListenAddr)
	}
	if cfg.Environment.RunnerKind != RunnerMock {
		t.Errorf("expected runner_kind mock, got %s", cfg.Environment.RunnerKind)
	}
	if cfg.Environment.NetworkMode != "pasta" {
		t.Errorf("expected network_mode pasta, got %s", cfg.Environment.NetworkMode)
	}
}

func TestLoad_EnvOnlyKeysWithoutDefaults(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "postgres://env-only/db")
	t.Setenv("RUNTARA_OTEL_ENDPOINT", "otel.internal:4317")
	t.Setenv("RUNTARA_TLS_CERT_FILE", "/etc/runtara/tls.crt")
	t.Setenv("RUNTARA_TLS_KEY_FILE", "/etc/runtara/tls.key")
	t.Setenv("RUNTARA_ENVIRONMENT_SKIP_CERT_VERIFICATION", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://env-only/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.OTELEndpoint != "otel.internal:4317" {
		t.Errorf("expected OTELEndpoint from env, got %s", cfg.OTELEndpoint)
	}
	if cfg.TLSCertFile != "/etc/runtara/tls.crt" {
		t.Errorf("expected TLSCertFile from env, got %s", cfg.TLSCertFile)
	}
	if cfg.TLSKeyFile != "/etc/runtara/tls.key" {
		t.Errorf("expected TLSKeyFile from env, got %s", cfg.TLSKeyFile)
	}
	if !cfg.Environment.SkipCertVerification {
		t.Error("expected SkipCertVerification from env")
	}
}

func TestLoad_ResourceLimitDefaults(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "postgres://localhost/runtara_test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Environment.MemoryLimitBytes != 512<<20 {
		t.Errorf("expected memory_limit_bytes 512MiB, got %d", cfg.Environment.MemoryLimitBytes)
	}
	if cfg.Environment.CPULimit != 1.0 {
		t.Errorf("expected cpu_limit 1.0, got %v", cfg.Environment.CPULimit)
	}
}

func TestLoad_InvalidRunnerKind(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "postgres://localhost/test")
	t.Setenv("RUNTARA_ENVIRONMENT_RUNNER_KIND", "invalid")

	_, err := Load("")
	if err == nil {
		t.Error("expected error for invalid runner kind")
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "foo")
	t.Setenv("RUNTARA_DATABASE_DRIVER", "mysql")

	_, err := Load("")
	if err == nil {
		t.Error("expected error for unsupported database driver")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "runtara-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
database_driver: sqlite
database_url: "/tmp/runtara.db"
instance:
  listen_addr: ":7777"
  sleep_threshold: 45s
environment:
  runner_kind: mock
  data_root: /srv/runtara
  wake_batch_size: 4
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("RUNTARA_DATABASE_URL", "")
	t.Setenv("RUNTARA_DATABASE_DRIVER", "")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "/tmp/runtara.db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.Instance.ListenAddr != ":7777" {
		t.Errorf("expected instance listen addr :7777, got %s", cfg.Instance.ListenAddr)
	}
	if cfg.Instance.SleepThreshold != 45*time.Second {
		t.Errorf("expected sleep_threshold 45s, got %v", cfg.Instance.SleepThreshold)
	}
	if cfg.Environment.WakeBatchSize != 4 {
		t.Errorf("expected wake_batch_size 4, got %d", cfg.Environment.WakeBatchSize)
	}
	if cfg.Environment.BundleDir != "/srv/runtara/bundles" {
		t.Errorf("expected bundle_dir derived from data_root, got %s", cfg.Environment.BundleDir)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "runtara-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
database_url: "postgres://from-file/db"
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("RUNTARA_DATABASE_URL", "postgres://from-env/db")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("RUNTARA_DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}
