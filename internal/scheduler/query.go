package scheduler

import (
	"sort"
	"time"

	"github.com/vrutkovs/ostbuild/internal/model"
)

// TaskState is one entry of the scheduler's observable state.
type TaskState struct {
	Task      model.TaskInstance `json:"task"`
	Running   bool               `json:"running"`
	Version   string             `json:"version,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
}

// ScheduledTask is a rate-limited push waiting for its interval to elapse.
type ScheduledTask struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Due        time.Time      `json:"due"`
}

// IsTaskQueued reports whether an instance of name is pending. It is false once stopped.
func (m *TaskMaster) IsTaskQueued(name string) bool {
	var queued bool
	if err := m.call(func() { queued = m.queued(name) }); err != nil {
		return false
	}
	return queued
}

// IsTaskExecuting reports whether an attempt of name is running. It is false once stopped.
func (m *TaskMaster) IsTaskExecuting(name string) bool {
	var running bool
	if err := m.call(func() { _, running = m.executing[name] }); err != nil {
		return false
	}
	return running
}

// TaskState lists executing instances by name, then pending instances in queue order.
func (m *TaskMaster) TaskState() ([]TaskState, error) {
	var out []TaskState
	err := m.call(func() {
		names := make([]string, 0, len(m.executing))
		for name := range m.executing {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ex := m.executing[name]
			started := ex.attempt.StartTime
			out = append(out, TaskState{
				Task:      copyInstance(ex.inst),
				Running:   true,
				Version:   ex.attempt.Version,
				StartedAt: &started,
			})
		}
		for _, inst := range m.pending {
			out = append(out, TaskState{Task: copyInstance(inst)})
		}
	})
	return out, err
}

// ScheduledTasks lists armed rate-limit timers, soonest first.
func (m *TaskMaster) ScheduledTasks() ([]ScheduledTask, error) {
	var out []ScheduledTask
	err := m.call(func() {
		for _, t := range m.timers {
			out = append(out, ScheduledTask{Name: t.name, Parameters: copyParams(t.params), Due: t.due})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Due.Equal(out[j].Due) {
			return out[i].Name < out[j].Name
		}
		return out[i].Due.Before(out[j].Due)
	})
	return out, err
}

// Attempts returns the retained attempts of name, oldest first.
func (m *TaskMaster) Attempts(name string) ([]model.AttemptRef, error) {
	if _, err := m.reg.Get(name); err != nil {
		return nil, err
	}
	var refs []model.AttemptRef
	var lerr error
	if err := m.call(func() { refs, lerr = m.hist.LoadAllAttempts(name) }); err != nil {
		return nil, err
	}
	return refs, lerr
}

// Attempt loads the metadata of one retained attempt.
func (m *TaskMaster) Attempt(name, version string) (*model.Attempt, error) {
	if _, err := m.reg.Get(name); err != nil {
		return nil, err
	}
	var a *model.Attempt
	var lerr error
	if err := m.call(func() { a, lerr = m.hist.LoadAttempt(name, version) }); err != nil {
		return nil, err
	}
	return a, lerr
}

// Snapshot returns the latest pipeline snapshot, or the one before it when previous is set.
// The path is empty when no such snapshot exists.
func (m *TaskMaster) Snapshot(previous bool) (string, *model.Snapshot, error) {
	if m.snapshots == nil {
		return "", nil, nil
	}
	var (
		path string
		snap *model.Snapshot
		lerr error
	)
	err := m.call(func() {
		path, lerr = m.snapshots.LatestPath()
		if lerr != nil || path == "" {
			return
		}
		if previous {
			path, lerr = m.snapshots.PreviousPath(path)
			if lerr != nil || path == "" {
				return
			}
		}
		var s model.Snapshot
		if lerr = m.snapshots.Load(path, &s); lerr == nil {
			snap = &s
		}
	})
	if err != nil {
		return "", nil, err
	}
	return path, snap, lerr
}

// LastOutputVersion returns the last recorded output version of name.
func (m *TaskMaster) LastOutputVersion(name string) (string, error) {
	var v string
	err := m.call(func() { v = m.lastVersions[name] })
	return v, err
}

func copyInstance(inst *model.TaskInstance) model.TaskInstance {
	c := *inst
	c.Parameters = copyParams(inst.Parameters)
	return c
}

func copyParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
