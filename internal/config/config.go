package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Bench    BenchConfig    `yaml:"bench"`
	Publish  PublishConfig  `yaml:"publish"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 disables; benchmark runs are unbounded
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	DockerBinary     string        `yaml:"docker_binary"`
	ImageBackend     string        `yaml:"image_backend"` // "auto" (default), "docker", or "containerd"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	PatchPolicy      string        `yaml:"patch_policy"` // "tolerate" (default) or "strict"
	WorkRoot         string        `yaml:"work_root"`    // parent of per-run temp dirs; empty means os.TempDir
	Limits           LimitsConfig  `yaml:"limits"`
	NoNewPrivileges  bool          `yaml:"no_new_privileges"`
	Seccomp          bool          `yaml:"seccomp"`
}

type LimitsConfig struct {
	Memory   string   `yaml:"memory"`
	CPUs     float64  `yaml:"cpus"`
	ShmSize  string   `yaml:"shm_size"`
	Ulimits  []string `yaml:"ulimits"`
	Platform string   `yaml:"platform"`
}

type BenchConfig struct {
	ImagePrefix      string `yaml:"image_prefix"`
	MaxWorkloadBytes int    `yaml:"max_workload_bytes"`
	MaxPatchBytes    int    `yaml:"max_patch_bytes"`
}

type PublishConfig struct {
	DataRepo      string        `yaml:"data_repo"` // owner/name
	DataPath      string        `yaml:"data_path"`
	Threshold     float64       `yaml:"threshold"` // improvement percent that must be exceeded
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Scope         string        `yaml:"scope"`
	StateDir      string        `yaml:"state_dir"` // token and device session files
	SessionTTL    time.Duration `yaml:"session_ttl"`
	RetryCooldown time.Duration `yaml:"retry_cooldown"`
	APIBaseURL    string        `yaml:"api_base_url"`  // empty means api.github.com
	AuthBaseURL   string        `yaml:"auth_base_url"` // empty means github.com
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
}

type StorageConfig struct {
	SubmissionLog string `yaml:"submission_log"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides secrets and deployment paths from the environment.
func (c *Config) ApplyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"PERFBENCH_GH_CLIENT_ID", &c.Publish.ClientID},
		{"PERFBENCH_GH_CLIENT_SECRET", &c.Publish.ClientSecret},
		{"PERFBENCH_DATA_REPO", &c.Publish.DataRepo},
		{"PERFBENCH_DATA_PATH", &c.Publish.DataPath},
		{"PERFBENCH_STATE_DIR", &c.Publish.StateDir},
		{"PERFBENCH_WORK_ROOT", &c.Sandbox.WorkRoot},
		{"PERFBENCH_DSN", &c.Database.DSN},
		{"PERFBENCH_ARCHIVE_ACCESS_KEY", &c.Archive.AccessKey},
		{"PERFBENCH_ARCHIVE_SECRET_KEY", &c.Archive.SecretKey},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			*o.dst = v
		}
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  8 << 20, // 8MB: workload plus patch
		},
		Sandbox: SandboxConfig{
			DockerBinary:     "docker",
			ImageBackend:     "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "moby",
			ReadyTimeout:     60 * time.Second,
			StepTimeout:      30 * time.Second,
			CleanupInterval:  5 * time.Minute,
			PatchPolicy:      "tolerate",
			Limits: LimitsConfig{
				Memory:  "6g",
				CPUs:    4,
				ShmSize: "2g",
				Ulimits: []string{
					"nofile=65536:65536",
					"nproc=32768:32768",
					"memlock=-1:-1",
					"stack=-1:-1",
					"data=-1:-1",
					"fsize=-1:-1",
					"cpu=-1:-1",
					"rss=-1:-1",
				},
				Platform: "linux/amd64",
			},
			NoNewPrivileges: true,
			Seccomp:         true,
		},
		Bench: BenchConfig{
			ImagePrefix:      "sweperf/sweperf_annotate",
			MaxWorkloadBytes: 1 << 20,
			MaxPatchBytes:    4 << 20,
		},
		Publish: PublishConfig{
			DataRepo:      "lichanghengxjtu/SWEf-data",
			DataPath:      "Non_LLM_user_data",
			Threshold:     15,
			Scope:         "repo",
			StateDir:      ".perfbench",
			SessionTTL:    10 * time.Minute,
			RetryCooldown: 60 * time.Second,
			HTTPTimeout:   20 * time.Second,
		},
		Storage: StorageConfig{
			SubmissionLog: ".perfbench/submissions.jsonl",
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Bucket:  "perfbench-transcripts",
			Region:  "us-east-1",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:         "X-API-Key",
			AllowUnauthenticated: true,
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
				"http://localhost:5173",
				"http://127.0.0.1:5173",
			},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.ImageBackend {
	case "", "auto", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.image_backend must be auto, docker, or containerd, got %q", c.Sandbox.ImageBackend)
	}
	switch c.Sandbox.PatchPolicy {
	case "", "tolerate", "strict":
	default:
		return fmt.Errorf("sandbox.patch_policy must be tolerate or strict, got %q", c.Sandbox.PatchPolicy)
	}
	if c.Sandbox.ReadyTimeout <= 0 {
		return fmt.Errorf("sandbox.ready_timeout must be > 0")
	}
	if c.Sandbox.StepTimeout <= 0 {
		return fmt.Errorf("sandbox.step_timeout must be > 0")
	}
	if c.Sandbox.WorkRoot != "" && !filepath.IsAbs(c.Sandbox.WorkRoot) {
		return fmt.Errorf("sandbox.work_root: %q must be an absolute path", c.Sandbox.WorkRoot)
	}
	if c.Sandbox.Limits.CPUs <= 0 {
		return fmt.Errorf("sandbox.limits.cpus must be > 0")
	}
	if c.Bench.ImagePrefix == "" {
		return fmt.Errorf("bench.image_prefix is required")
	}
	if owner, name, ok := strings.Cut(c.Publish.DataRepo, "/"); !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("publish.data_repo must be owner/name, got %q", c.Publish.DataRepo)
	}
	if c.Publish.Threshold < 0 {
		return fmt.Errorf("publish.threshold must be >= 0")
	}
	if c.Publish.RetryCooldown > c.Publish.SessionTTL {
		return fmt.Errorf("publish.retry_cooldown (%s) must be <= session_ttl (%s)",
			c.Publish.RetryCooldown, c.Publish.SessionTTL)
	}
	if c.Publish.ClientID != "" && c.Publish.ClientSecret == "" {
		log.Warn().Msg("publish.client_id set without client_secret; device token polling will fail")
	}
	if c.Storage.SubmissionLog == "" {
		return fmt.Errorf("storage.submission_log is required")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive.endpoint and archive.bucket are required when the archive is enabled")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// DeviceFlowEnabled reports whether OAuth app credentials are configured.
func (c *Config) DeviceFlowEnabled() bool {
	return c.Publish.DeviceFlowEnabled()
}

func (p PublishConfig) DeviceFlowEnabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
