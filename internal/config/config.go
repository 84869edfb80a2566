package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/readyd/internal/logger"
	"github.com/loykin/readyd/internal/process"
	"github.com/loykin/readyd/internal/ready"
	"github.com/loykin/readyd/internal/supervisor"
	"github.com/loykin/readyd/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. READYD_READINESS_CHECK_FILE.
const EnvPrefix = "READYD"

// Config represents the top-level TOML structure.
type Config struct {
	Worker      WorkerConfig      `toml:"worker" mapstructure:"worker"`
	Readiness   ReadinessConfig   `toml:"readiness" mapstructure:"readiness"`
	KeepRunning KeepRunningConfig `toml:"keep_running" mapstructure:"keep_running"`
	Log         logger.Config     `toml:"log" mapstructure:"log"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Metrics     MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
}

// WorkerConfig is the worker process spec plus env files merged into its
// environment at load time.
type WorkerConfig struct {
	process.Spec `mapstructure:",squash"`
	EnvFiles     []string `toml:"env_files" mapstructure:"env_files"`
}

type ReadinessConfig struct {
	CheckFile    string        `toml:"check_file" mapstructure:"check_file"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	ProbeSettle  time.Duration `toml:"probe_settle" mapstructure:"probe_settle"`
	MissLimit    int           `toml:"miss_limit" mapstructure:"miss_limit"`
	MaxRestarts  int           `toml:"max_restarts" mapstructure:"max_restarts"`
	SettleDelay  time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
}

type KeepRunningConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	KillOldProcess bool          `toml:"kill_old_process" mapstructure:"kill_old_process"`
}

// HistoryConfig lists history sinks by DSN (sqlite://, postgres://, clickhouse://, opensearch://).
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

type ServerConfig struct {
	Enabled  bool        `toml:"enabled" mapstructure:"enabled"`
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      tls.Options `toml:"tls" mapstructure:"tls"`
}

// MetricsConfig enables Prometheus metrics. With an empty Listen the
// endpoint is mounted on the API server at /metrics.
type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Listen         string        `toml:"listen" mapstructure:"listen"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.name", "worker")
	v.SetDefault("worker.binary", "")
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.image_name", "")
	v.SetDefault("worker.work_dir", "")
	v.SetDefault("worker.detached", false)
	v.SetDefault("readiness.check_file", "")
	v.SetDefault("readiness.poll_interval", 10*time.Second)
	v.SetDefault("readiness.probe_settle", time.Second)
	v.SetDefault("readiness.miss_limit", 4)
	v.SetDefault("readiness.max_restarts", 0)
	v.SetDefault("readiness.settle_delay", 5*time.Second)
	v.SetDefault("keep_running.enabled", true)
	v.SetDefault("keep_running.interval", 30*time.Second)
	v.SetDefault("keep_running.kill_old_process", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8686")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", 15*time.Second)
}

// LoadConfig reads the TOML file at path, applies defaults and READYD_*
// environment overrides, and validates the result. An empty path loads
// defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	base := ""
	if path != "" {
		base = filepath.Dir(path)
	}
	if err := c.mergeEnvFiles(base); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Worker.Spec.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	if strings.TrimSpace(c.Readiness.CheckFile) == "" {
		errs = append(errs, errors.New("readiness: check_file is required"))
	}
	if c.Readiness.PollInterval < 0 || c.Readiness.ProbeSettle < 0 {
		errs = append(errs, errors.New("readiness: intervals must not be negative"))
	}
	if c.Readiness.MissLimit < 0 || c.Readiness.MaxRestarts < 0 {
		errs = append(errs, errors.New("readiness: miss_limit and max_restarts must not be negative"))
	}
	if c.KeepRunning.Interval < 0 {
		errs = append(errs, errors.New("keep_running: interval must not be negative"))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file, or dir, are required"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history: enabled without dsns"))
	}
	return errors.Join(errs...)
}

// WaiterOptions converts the readiness section for the startup waiter.
func (r ReadinessConfig) WaiterOptions() ready.WaiterOptions {
	return ready.WaiterOptions{
		PollInterval: r.PollInterval,
		ProbeSettle:  r.ProbeSettle,
		MissLimit:    r.MissLimit,
		MaxRestarts:  r.MaxRestarts,
	}
}

// Options converts the keep_running section for the supervisor.
func (k KeepRunningConfig) Options() supervisor.KeepRunningOptions {
	return supervisor.KeepRunningOptions{Interval: k.Interval, KillOldProcess: k.KillOldProcess}
}

// mergeEnvFiles prepends variables from env_files to the worker env so that
// explicit env entries win. Relative paths resolve against base.
func (c *Config) mergeEnvFiles(base string) error {
	if len(c.Worker.EnvFiles) == 0 {
		return nil
	}
	var merged []string
	for _, p := range c.Worker.EnvFiles {
		if !filepath.IsAbs(p) && base != "" {
			p = filepath.Join(base, p)
		}
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return fmt.Errorf("worker env file: %w", err)
		}
		merged = append(merged, pairs...)
	}
	c.Worker.Env = append(merged, c.Worker.Env...)
	return nil
}

// LoadEnvFile parses a .env file with KEY=VALUE lines and returns the pairs
// in file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	// #nosec G304 -- path comes from operator configuration
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}
