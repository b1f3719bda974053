package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vrutkovs/ostbuild/internal/events"
	"github.com/vrutkovs/ostbuild/internal/history"
	"github.com/vrutkovs/ostbuild/internal/model"
)

// scheduleRecalc posts a single recalculation to the inbox tail; further requests before it runs
// are absorbed.
func (m *TaskMaster) scheduleRecalc() {
	if m.recalcScheduled {
		return
	}
	m.recalcScheduled = true
	m.post(m.recalculate)
}

// recalculate walks pending in FIFO order. Instances whose name is executing stay where they
// are; the rest are dispatched while slots remain.
func (m *TaskMaster) recalculate() {
	m.recalcScheduled = false

	kept := make([]*model.TaskInstance, 0, len(m.pending))
	for _, inst := range m.pending {
		if _, running := m.executing[inst.Name]; running || len(m.executing) >= m.maxConcurrent {
			kept = append(kept, inst)
			continue
		}
		m.dispatch(inst)
	}
	m.pending = kept

	if len(m.pending) == 0 && len(m.executing) == 0 {
		if m.busy {
			m.busy = false
			m.log.Infof("all tasks complete")
			m.publish(events.EventAllIdle, nil)
			if m.onIdle != nil {
				m.onIdle()
			}
		}
	}
}

func (m *TaskMaster) dispatch(inst *model.TaskInstance) {
	def, err := m.reg.Get(inst.Name)
	if err != nil {
		m.log.Errorf("dispatch %s: %v", inst.Name, err)
		return
	}

	attempt, err := m.hist.BeginAttempt(inst.Name)
	if err != nil {
		m.log.Errorf("begin attempt of %s: %v", inst.Name, err)
		m.report(Completion{Task: *inst, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := m.tracer.Start(ctx, "ostbuild.task",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.name", inst.Name),
			attribute.String("task.instance_id", inst.ID),
			attribute.String("task.version", attempt.Version),
		))
	span.AddEvent("task.started")

	ex := &execution{
		inst:    inst,
		def:     def,
		attempt: attempt,
		cancel:  cancel,
		span:    span,
		done:    make(chan struct{}),
	}
	m.executing[inst.Name] = ex

	m.log.Infof("started %s %s", inst.Name, attempt.Version)
	m.publish(events.EventTaskStarted, map[string]any{
		"task":        inst.Name,
		"instance_id": inst.ID,
		"version":     attempt.Version,
	})

	req := Request{Instance: *inst, Definition: def, Attempt: *attempt}
	m.bodies.Add(1)
	go func() {
		defer m.bodies.Done()
		ex.result = m.exec.Execute(ctx, req)
		close(ex.done)
		m.post(func() { m.complete(ex, ex.result) })
	}()
}

// complete finalizes an attempt on the loop.
func (m *TaskMaster) complete(ex *execution, res Result) {
	name := ex.inst.Name
	if m.executing[name] != ex {
		return
	}
	delete(m.executing, name)
	ex.cancel()

	err := m.hist.FinishAttempt(ex.attempt, history.Completion{
		Success:       res.Success,
		ErrorMessage:  res.ErrorMessage,
		OutputVersion: res.OutputVersion,
		LogFile:       res.LogFile,
	}, history.Retention{Success: ex.def.RetainSuccess, Failed: ex.def.RetainFailed})
	if err != nil {
		m.log.Errorf("finalize %s %s: %v", name, ex.attempt.Version, err)
		res.Success = false
		if res.ErrorMessage != "" {
			res.ErrorMessage += "; "
		}
		res.ErrorMessage += err.Error()
	}

	if res.Success {
		ex.span.SetStatus(codes.Ok, "")
		ex.span.AddEvent("task.completed")
		m.log.Infof("%s %s succeeded (output version %q)", name, ex.attempt.Version, res.OutputVersion)
	} else {
		ex.span.SetStatus(codes.Error, res.ErrorMessage)
		ex.span.AddEvent("task.failed")
		m.log.Warnf("%s %s failed: %s", name, ex.attempt.Version, res.ErrorMessage)
	}
	ex.span.End()

	m.report(Completion{
		Task:          *ex.inst,
		Version:       ex.attempt.Version,
		Success:       res.Success,
		Error:         res.ErrorMessage,
		OutputVersion: res.OutputVersion,
	})

	if res.Success {
		m.cascade(name, res.OutputVersion)
	}
	m.scheduleRecalc()
}

func (m *TaskMaster) report(c Completion) {
	m.publish(events.EventTaskCompleted, map[string]any{
		"task":           c.Task.Name,
		"instance_id":    c.Task.ID,
		"version":        c.Version,
		"success":        c.Success,
		"error":          c.Error,
		"output_version": c.OutputVersion,
	})
	if m.onComplete != nil {
		m.onComplete(c)
	}
}

// cascade pushes the successors of name when its output version differs from the last one
// recorded for it.
func (m *TaskMaster) cascade(name, outputVersion string) {
	if prev := m.lastVersions[name]; prev == outputVersion {
		m.log.Debugf("%s output version %q unchanged, not cascading", name, outputVersion)
		return
	}
	m.lastVersions[name] = outputVersion
	m.storeSnapshot()
	if m.stopping {
		return
	}

	for _, succ := range m.reg.Successors(name) {
		if m.skip[succ] {
			m.log.Debugf("not cascading %s -> %s (skipped)", name, succ)
			continue
		}
		m.log.Infof("cascading %s -> %s", name, succ)
		m.push(succ, nil)
	}
}

func (m *TaskMaster) storeSnapshot() {
	if m.snapshots == nil {
		return
	}
	snap := model.Snapshot{Tasks: make(map[string]string, len(m.lastVersions))}
	for name, v := range m.lastVersions {
		if v != "" {
			snap.Tasks[name] = v
		}
	}
	path, modified, err := m.snapshots.Store(snap)
	if err != nil {
		m.log.Errorf("store snapshot: %v", err)
		return
	}
	if modified {
		m.log.Infof("stored snapshot %s", path)
	}
}
