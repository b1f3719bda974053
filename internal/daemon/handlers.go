package daemon

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vrutkovs/ostbuild/internal/history"
	"github.com/vrutkovs/ostbuild/internal/model"
	"github.com/vrutkovs/ostbuild/internal/scheduler"
	"github.com/vrutkovs/ostbuild/internal/taskdef"
	"github.com/vrutkovs/ostbuild/internal/uds"
)

// Push outcomes reported in PushReply.Status.
const (
	PushQueued    = "queued"
	PushScheduled = "scheduled"
	PushRunning   = "running"
	PushFinished  = "finished"
)

type PushParams struct {
	Task   string         `json:"task"`
	Params map[string]any `json:"params,omitempty"`
}

type PushReply struct {
	Task   string     `json:"task"`
	Status string     `json:"status"`
	Due    *time.Time `json:"due,omitempty"`
}

type StateReply struct {
	Pid           int                       `json:"pid"`
	MaxConcurrent int                       `json:"max_concurrent"`
	Tasks         []scheduler.TaskState     `json:"tasks"`
	Scheduled     []scheduler.ScheduledTask `json:"scheduled,omitempty"`
}

type HistoryParams struct {
	Task string `json:"task"`
}

type HistoryReply struct {
	Task              string             `json:"task"`
	LastOutputVersion string             `json:"last_output_version,omitempty"`
	Attempts          []model.AttemptRef `json:"attempts"`
}

type AttemptParams struct {
	Task    string `json:"task"`
	Version string `json:"version"`
}

type SnapshotParams struct {
	Previous bool `json:"previous,omitempty"`
}

type SnapshotReply struct {
	Path  string            `json:"path"`
	Tasks map[string]string `json:"tasks"`
}

type TasksReply struct {
	Tasks []model.TaskDefinition `json:"tasks"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("push", d.handlePush)
	d.server.Handle("state", d.handleState)
	d.server.Handle("history", d.handleHistory)
	d.server.Handle("attempt", d.handleAttempt)
	d.server.Handle("snapshot", d.handleSnapshot)
	d.server.Handle("tasks", d.handleTasks)
}

func (d *Daemon) handlePush(req *uds.Request) *uds.Response {
	var p PushParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if p.Task == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task is required")
	}

	if err := d.tm.PushTask(p.Task, p.Params); err != nil {
		return errorResponse(err)
	}
	d.log.Infof("push %s via UDS", p.Task)

	reply := PushReply{Task: p.Task, Status: PushFinished}
	switch {
	case d.tm.IsTaskQueued(p.Task):
		reply.Status = PushQueued
	case d.tm.IsTaskExecuting(p.Task):
		reply.Status = PushRunning
	default:
		scheduled, err := d.tm.ScheduledTasks()
		if err != nil {
			return errorResponse(err)
		}
		for _, s := range scheduled {
			if s.Name == p.Task {
				due := s.Due
				reply.Status = PushScheduled
				reply.Due = &due
			}
		}
	}
	return uds.SuccessResponse(reply)
}

func (d *Daemon) handleState(req *uds.Request) *uds.Response {
	return d.query("state", func() (any, error) {
		tasks, err := d.tm.TaskState()
		if err != nil {
			return nil, err
		}
		scheduled, err := d.tm.ScheduledTasks()
		if err != nil {
			return nil, err
		}
		return StateReply{
			Pid:           os.Getpid(),
			MaxConcurrent: d.tm.MaxConcurrent(),
			Tasks:         tasks,
			Scheduled:     scheduled,
		}, nil
	})
}

func (d *Daemon) handleHistory(req *uds.Request) *uds.Response {
	var p HistoryParams
	if err := req.DecodeParams(&p); err != nil || p.Task == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task is required")
	}
	return d.query("history/"+p.Task, func() (any, error) {
		refs, err := d.tm.Attempts(p.Task)
		if err != nil {
			return nil, err
		}
		last, err := d.tm.LastOutputVersion(p.Task)
		if err != nil {
			return nil, err
		}
		return HistoryReply{Task: p.Task, LastOutputVersion: last, Attempts: refs}, nil
	})
}

func (d *Daemon) handleAttempt(req *uds.Request) *uds.Response {
	var p AttemptParams
	if err := req.DecodeParams(&p); err != nil || p.Task == "" || p.Version == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task and version are required")
	}
	return d.query("attempt/"+p.Task+"/"+p.Version, func() (any, error) {
		return d.tm.Attempt(p.Task, p.Version)
	})
}

func (d *Daemon) handleSnapshot(req *uds.Request) *uds.Response {
	var p SnapshotParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	return d.query(fmt.Sprintf("snapshot/%t", p.Previous), func() (any, error) {
		path, snap, err := d.tm.Snapshot(p.Previous)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, errNoSnapshot
		}
		return SnapshotReply{Path: path, Tasks: snap.Tasks}, nil
	})
}

func (d *Daemon) handleTasks(req *uds.Request) *uds.Response {
	var reply TasksReply
	for _, name := range d.reg.Order() {
		def, err := d.reg.Get(name)
		if err != nil {
			return errorResponse(err)
		}
		reply.Tasks = append(reply.Tasks, def)
	}
	return uds.SuccessResponse(reply)
}

var errNoSnapshot = errors.New("no snapshot recorded")

// query coalesces concurrent identical read requests into one scheduler round trip.
func (d *Daemon) query(key string, fn func() (any, error)) *uds.Response {
	v, err, _ := d.queries.Do(key, fn)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(v)
}

func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, taskdef.ErrUnknownTask),
		errors.Is(err, history.ErrAttemptNotFound),
		errors.Is(err, errNoSnapshot):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, taskdef.ErrInvalidParams):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return uds.ErrorResponse(uds.ErrCodeUnavailable, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
