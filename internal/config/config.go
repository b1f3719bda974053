// Package config loads config.yaml from a work root and applies defaults and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vrutkovs/ostbuild/internal/model"
)

const (
	FileName = "config.yaml"
	EnvFile  = ".env"

	EnvLogLevel      = "OSTBUILD_LOG_LEVEL"
	EnvMaxConcurrent = "OSTBUILD_MAX_CONCURRENT"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"

	DefaultShutdownTimeoutSec = 30
	DefaultSnapshotRetain     = 5
	DefaultOTLPEndpoint       = "http://127.0.0.1:4318"
	DefaultServiceName        = "ostbuild"
)

var ErrInvalid = errors.New("invalid config")

func Default() model.Config {
	return model.Config{
		Daemon: model.DaemonConfig{
			ShutdownTimeoutSec: DefaultShutdownTimeoutSec,
		},
		Scheduler: model.SchedulerConfig{
			SnapshotRetain: DefaultSnapshotRetain,
		},
		Logging: model.LoggingConfig{Level: "info"},
		Telemetry: model.TelemetryConfig{
			Endpoint:    DefaultOTLPEndpoint,
			ServiceName: DefaultServiceName,
		},
	}
}

// Load reads <workRoot>/config.yaml over Default(), after loading <workRoot>/.env into the
// process environment without overriding variables that are already set. Environment
// overrides are applied last.
func Load(workRoot string) (model.Config, error) {
	envPath := filepath.Join(workRoot, EnvFile)
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return model.Config{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	path := filepath.Join(workRoot, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", FileName, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return model.Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML and merges it over Default().
func Parse(data []byte) (model.Config, error) {
	var parsed model.Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return model.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg := merge(Default(), parsed)
	if cfg.Scheduler.MaxConcurrent < 0 {
		return model.Config{}, fmt.Errorf("%w: scheduler.max_concurrent must be >= 0", ErrInvalid)
	}
	if cfg.Daemon.PollIntervalSec < 0 {
		return model.Config{}, fmt.Errorf("%w: daemon.poll_interval_sec must be >= 0", ErrInvalid)
	}
	return cfg, nil
}

func merge(def, cfg model.Config) model.Config {
	def.Project = cfg.Project
	def.Tasks = cfg.Tasks

	if cfg.Daemon.ShutdownTimeoutSec != 0 {
		def.Daemon.ShutdownTimeoutSec = cfg.Daemon.ShutdownTimeoutSec
	}
	def.Daemon.PollIntervalSec = cfg.Daemon.PollIntervalSec
	def.Daemon.PollTasks = cfg.Daemon.PollTasks
	def.Daemon.StartupTasks = cfg.Daemon.StartupTasks
	def.Daemon.WatchTriggers = cfg.Daemon.WatchTriggers

	def.Scheduler.MaxConcurrent = cfg.Scheduler.MaxConcurrent
	def.Scheduler.SkipCascade = cfg.Scheduler.SkipCascade
	if cfg.Scheduler.SnapshotRetain != 0 {
		def.Scheduler.SnapshotRetain = cfg.Scheduler.SnapshotRetain
	}

	if cfg.Logging.Level != "" {
		def.Logging.Level = cfg.Logging.Level
	}
	def.Logging.AuditChecksum = cfg.Logging.AuditChecksum

	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	return def
}

func applyEnv(cfg *model.Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxConcurrent)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s=%q is not a non-negative integer", ErrInvalid, EnvMaxConcurrent, v)
		}
		cfg.Scheduler.MaxConcurrent = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	return nil
}

// Save writes cfg as YAML.
func Save(path string, cfg model.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// WorkRootName is the directory holding config.yaml and all daemon state.
const WorkRootName = ".ostbuild"

// EnvRoot names the work root explicitly.
const EnvRoot = "OSTBUILD_ROOT"

// FindWorkRoot returns explicit if set, else $OSTBUILD_ROOT, else the nearest .ostbuild directory
// found walking up from start.
func FindWorkRoot(explicit, start string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvRoot)
	}
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return "", fmt.Errorf("work root %s is not a directory", abs)
		}
		return abs, nil
	}

	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if filepath.Base(dir) == WorkRootName {
			return dir, nil
		}
		candidate := filepath.Join(dir, WorkRootName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s directory not found (run 'ostbuild setup' first)", WorkRootName)
		}
		dir = parent
	}
}
