// Package model defines the configuration tree and the task, attempt and snapshot types shared by ostbuild.
package model

type Config struct {
	Project   ProjectConfig    `yaml:"project"`
	Daemon    DaemonConfig     `yaml:"daemon"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Tasks     []TaskDefinition `yaml:"tasks"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`

	// PollIntervalSec pushes PollTasks periodically; 0 disables polling.
	PollIntervalSec int      `yaml:"poll_interval_sec"`
	PollTasks       []string `yaml:"poll_tasks,omitempty"`
	StartupTasks    []string `yaml:"startup_tasks,omitempty"`
	WatchTriggers   *bool    `yaml:"watch_triggers,omitempty"`
}

// TriggersEnabled reports whether the triggers/ directory is watched. Defaults to true.
func (c DaemonConfig) TriggersEnabled() bool {
	return c.WatchTriggers == nil || *c.WatchTriggers
}

type SchedulerConfig struct {
	MaxConcurrent  int      `yaml:"max_concurrent"` // 0 means runtime.NumCPU()
	SkipCascade    []string `yaml:"skip_cascade,omitempty"`
	SnapshotRetain int      `yaml:"snapshot_retain"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// AuditChecksum stamps every audit entry with a checksum and verifies the existing
	// trail when the daemon starts.
	AuditChecksum bool `yaml:"audit_checksum"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}
