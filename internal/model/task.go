package model

import "time"

// ParamType names the JSON type a task parameter must have.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
	ParamNumber ParamType = "number"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
	ParamAny    ParamType = "any"
)

type ParamSpec struct {
	Type    ParamType `yaml:"type" json:"type"`
	Default any       `yaml:"default,omitempty" json:"default,omitempty"`
}

// TaskDefinition is one kind of task in the catalog. It is immutable once registered.
type TaskDefinition struct {
	Name               string               `yaml:"name" json:"name"`
	After              []string             `yaml:"after,omitempty" json:"after,omitempty"`
	ScheduleMinSeconds int                  `yaml:"schedule_min_seconds,omitempty" json:"schedule_min_seconds,omitempty"`
	Command            []string             `yaml:"command,omitempty" json:"command,omitempty"`
	PreserveStdout     bool                 `yaml:"preserve_stdout,omitempty" json:"preserve_stdout,omitempty"`
	RetainSuccess      int                  `yaml:"retain_success,omitempty" json:"retain_success,omitempty"`
	RetainFailed       int                  `yaml:"retain_failed,omitempty" json:"retain_failed,omitempty"`
	Parameters         map[string]ParamSpec `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// DefaultParameters returns a fresh map of the declared parameter defaults.
func (d TaskDefinition) DefaultParameters() map[string]any {
	out := make(map[string]any, len(d.Parameters))
	for k, spec := range d.Parameters {
		if spec.Default != nil {
			out[k] = spec.Default
		}
	}
	return out
}

// ScheduleMin returns the minimum re-schedule interval, zero when unset.
func (d TaskDefinition) ScheduleMin() time.Duration {
	return time.Duration(d.ScheduleMinSeconds) * time.Second
}

// TaskInstance is one request to run a task, owned by the scheduler until it completes.
type TaskInstance struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Attempt is the persisted record of one execution of a task.
type Attempt struct {
	TaskName      string    `json:"task_name"`
	Version       string    `json:"version"`
	Outcome       Outcome   `json:"outcome"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitempty"`
	ElapsedMillis int64     `json:"elapsed_millis"`
	LogPath       string    `json:"log_path,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	OutputVersion string    `json:"output_version,omitempty"`

	// Dir is the attempt directory on disk; not persisted.
	Dir string `json:"-"`
}

// AttemptRef identifies a retained attempt within a task's history.
type AttemptRef struct {
	Outcome Outcome `json:"outcome"`
	Version string  `json:"version"`
}

// Snapshot is the pipeline-wide record of the last output version of every task.
type Snapshot struct {
	Tasks map[string]string `json:"tasks"`
}
