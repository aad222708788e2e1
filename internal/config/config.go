// Package config loads plane configuration from a YAML file with
// environment variable overrides (RUNTARA_ prefix).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database drivers supported by the store layer.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Runner kinds supported by the environment plane.
const (
	RunnerOCI    = "oci"
	RunnerDocker = "docker"
	RunnerMock   = "mock"
)

// Config holds all configuration values for both planes. Each plane reads
// only its own section plus the shared fields.
type Config struct {
	// Shared
	LogLevel       string `mapstructure:"log_level"`
	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseURL    string `mapstructure:"database_url"`
	OTELEndpoint   string `mapstructure:"otel_endpoint"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	TLSCertFile    string `mapstructure:"tls_cert_file"`
	TLSKeyFile     string `mapstructure:"tls_key_file"`

	Instance    InstanceConfig    `mapstructure:"instance"`
	Environment EnvironmentConfig `mapstructure:"environment"`
}

// InstanceConfig configures the instance plane server.
type InstanceConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	MaxInstances   int           `mapstructure:"max_instances"`
	SleepThreshold time.Duration `mapstructure:"sleep_threshold"`
}

// EnvironmentConfig configures the environment plane server.
type EnvironmentConfig struct {
	ListenAddr           string        `mapstructure:"listen_addr"`
	InstancePlaneAddr    string        `mapstructure:"instance_plane_addr"`
	DataRoot             string        `mapstructure:"data_root"`
	BundleDir            string        `mapstructure:"bundle_dir"`
	RunnerKind           string        `mapstructure:"runner_kind"`
	CgroupDriver         string        `mapstructure:"cgroup_driver"`
	NetworkMode          string        `mapstructure:"network_mode"`
	SkipCertVerification bool          `mapstructure:"skip_cert_verification"`
	ExecutionTimeout     time.Duration `mapstructure:"execution_timeout"`
	StopGrace            time.Duration `mapstructure:"stop_grace"`
	InstanceCapacity     int           `mapstructure:"instance_capacity"`
	WakeTick             time.Duration `mapstructure:"wake_tick"`
	WakeBatchSize        int           `mapstructure:"wake_batch_size"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	MaxImageBytes        int64         `mapstructure:"max_image_bytes"`
	UploadBytesPerSec    int64         `mapstructure:"upload_bytes_per_sec"`
	MemoryLimitBytes     int64         `mapstructure:"memory_limit_bytes"`
	CPULimit             float64       `mapstructure:"cpu_limit"`
}

// Load reads configuration from the given YAML file (optional) and the
// environment. Environment variables take precedence over file values,
// e.g. RUNTARA_DATABASE_URL overrides database_url.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("database_driver", DriverPostgres)
	v.SetDefault("metrics_port", 9464)

	v.SetDefault("instance.listen_addr", ":7233")
	v.SetDefault("instance.max_instances", 32)
	v.SetDefault("instance.sleep_threshold", 30*time.Second)

	v.SetDefault("environment.listen_addr", ":7234")
	v.SetDefault("environment.instance_plane_addr", "127.0.0.1:7233")
	v.SetDefault("environment.data_root", "/var/lib/runtara")
	v.SetDefault("environment.runner_kind", RunnerOCI)
	v.SetDefault("environment.cgroup_driver", "cgroupfs")
	v.SetDefault("environment.network_mode", "none")
	v.SetDefault("environment.execution_timeout", 1*time.Hour)
	v.SetDefault("environment.stop_grace", 10*time.Second)
	v.SetDefault("environment.instance_capacity", 32)
	v.SetDefault("environment.wake_tick", 5*time.Second)
	v.SetDefault("environment.wake_batch_size", 16)
	v.SetDefault("environment.heartbeat_interval", 30*time.Second)
	v.SetDefault("environment.heartbeat_timeout", 5*time.Minute)
	v.SetDefault("environment.max_image_bytes", int64(1<<30))
	v.SetDefault("environment.upload_bytes_per_sec", int64(64<<20))
	v.SetDefault("environment.memory_limit_bytes", int64(512<<20))
	v.SetDefault("environment.cpu_limit", 1.0)

	v.SetEnvPrefix("RUNTARA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only surfaces keys viper already knows about. Keys with
	// no default need an explicit binding or env-only deployments lose them.
	for _, key := range []string{
		"database_url",
		"otel_endpoint",
		"tls_cert_file",
		"tls_key_file",
		"environment.bundle_dir",
		"environment.skip_cert_verification",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Environment.BundleDir == "" {
		cfg.Environment.BundleDir = cfg.Environment.DataRoot + "/bundles"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("invalid database_driver %q (must be postgres or sqlite)", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (env: RUNTARA_DATABASE_URL)")
	}
	switch c.Environment.RunnerKind {
	case RunnerOCI, RunnerDocker, RunnerMock:
	default:
		return fmt.Errorf("invalid runner_kind %q (must be oci, docker or mock)", c.Environment.RunnerKind)
	}
	switch c.Environment.NetworkMode {
	case "host", "pasta", "none":
	default:
		return fmt.Errorf("invalid network_mode %q (must be host, pasta or none)", c.Environment.NetworkMode)
	}
	if c.Instance.MaxInstances <= 0 {
		return fmt.Errorf("instance.max_instances must be positive")
	}
	if c.Environment.WakeBatchSize <= 0 {
		return fmt.Errorf("environment.wake_batch_size must be positive")
	}
	if c.Environment.MemoryLimitBytes < 0 {
		return fmt.Errorf("environment.memory_limit_bytes must not be negative")
	}
	if c.Environment.CPULimit < 0 {
		return fmt.Errorf("environment.cpu_limit must not be negative")
	}
	return nil
}
