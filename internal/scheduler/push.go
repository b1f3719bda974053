package scheduler

import (
	"time"

	"github.com/vrutkovs/ostbuild/internal/events"
	"github.com/vrutkovs/ostbuild/internal/model"
)

// PushTask requests a run of name with params.
//
// Unknown names fail with taskdef.ErrUnknownTask and parameters that do not match the task's
// schema with taskdef.ErrInvalidParams. If an instance of name is already queued the call does
// nothing and params are dropped. A task with a minimum schedule interval that last ran less
// than that interval ago gets a timer for the remainder instead; pushing again while the timer is
// armed replaces the parameters it will run with.
func (m *TaskMaster) PushTask(name string, params map[string]any) error {
	if err := m.reg.ValidateParams(name, params); err != nil {
		return err
	}
	return m.call(func() {
		m.push(name, params)
	})
}

func (m *TaskMaster) push(name string, params map[string]any) {
	def, err := m.reg.Get(name)
	if err != nil {
		m.log.Errorf("push %s: %v", name, err)
		return
	}

	if m.queued(name) {
		m.log.Debugf("%s already queued, dropping parameters %v", name, params)
		return
	}

	if interval := def.ScheduleMin(); interval > 0 {
		now := m.clock.Now()
		if last, ok := m.lastScheduled[name]; ok {
			if elapsed := now.Sub(last); elapsed < interval {
				m.arm(name, params, interval-elapsed)
				return
			}
		}
		m.disarm(name)
		m.markScheduled(name, now)
	}

	m.enqueue(name, params)
}

func (m *TaskMaster) arm(name string, params map[string]any, delay time.Duration) {
	if t, ok := m.timers[name]; ok {
		t.params = params
		m.log.Debugf("%s already scheduled for %s, replacing parameters", name, t.due.Format(time.RFC3339))
		m.publish(events.EventTaskScheduled, map[string]any{
			"task": name,
			"due":  t.due.Format(time.RFC3339),
		})
		return
	}

	t := &armedTimer{
		name:   name,
		params: params,
		due:    m.clock.Now().Add(delay),
	}
	t.timer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.fire(t) })
	})
	m.timers[name] = t

	m.log.Infof("%s rate limited, scheduled in %s", name, delay.Round(time.Second))
	m.publish(events.EventTaskScheduled, map[string]any{
		"task": name,
		"due":  t.due.Format(time.RFC3339),
	})
}

func (m *TaskMaster) disarm(name string) {
	if t, ok := m.timers[name]; ok {
		t.timer.Stop()
		delete(m.timers, name)
	}
}

// fire runs on the loop when an armed timer expires.
func (m *TaskMaster) fire(t *armedTimer) {
	if m.timers[t.name] != t {
		return
	}
	delete(m.timers, t.name)

	if m.queued(t.name) {
		m.log.Debugf("%s already queued when its timer fired", t.name)
		return
	}
	m.markScheduled(t.name, m.clock.Now())
	m.enqueue(t.name, t.params)
}

func (m *TaskMaster) enqueue(name string, params map[string]any) {
	resolved, err := m.reg.ResolveParams(name, params)
	if err != nil {
		m.log.Errorf("resolve parameters of %s: %v", name, err)
		return
	}

	inst := &model.TaskInstance{
		ID:         model.NewInstanceID(),
		Name:       name,
		Parameters: resolved,
		CreatedAt:  m.clock.Now(),
	}
	m.pending = append(m.pending, inst)
	m.busy = true

	m.log.Debugf("queued %s (%s)", name, inst.ID)
	m.publish(events.EventTaskQueued, map[string]any{
		"task":        name,
		"instance_id": inst.ID,
	})
	m.scheduleRecalc()
}

func (m *TaskMaster) queued(name string) bool {
	for _, inst := range m.pending {
		if inst.Name == name {
			return true
		}
	}
	return false
}
