// Package scheduler implements the TaskMaster: a single event loop that owns the pending queue,
// the executing set and the rate-limit timers, dispatches attempts to an Executor, records their
// outcome in history and cascades successful, version-changing completions to successor tasks.
//
// All scheduler state is touched only by the goroutine running Run. Public methods post closures
// into the loop's inbox and wait for them to finish.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vrutkovs/ostbuild/internal/events"
	"github.com/vrutkovs/ostbuild/internal/history"
	"github.com/vrutkovs/ostbuild/internal/logging"
	"github.com/vrutkovs/ostbuild/internal/model"
	"github.com/vrutkovs/ostbuild/internal/taskdef"
	"github.com/vrutkovs/ostbuild/internal/versioned"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("scheduler stopped")

// History is the attempt store the scheduler records into. *history.Store implements it.
type History interface {
	BeginAttempt(name string) (*model.Attempt, error)
	FinishAttempt(a *model.Attempt, c history.Completion, keep history.Retention) error
	MarkInterrupted(a *model.Attempt) error
	Recover(name string) (*model.Attempt, error)
	LoadAllAttempts(name string) ([]model.AttemptRef, error)
	LoadAttempt(name, version string) (*model.Attempt, error)
}

// Completion is reported once per finished attempt.
type Completion struct {
	Task          model.TaskInstance
	Version       string
	Success       bool
	Error         string
	OutputVersion string
}

type Options struct {
	// MaxConcurrent bounds executing attempts; zero means runtime.NumCPU().
	MaxConcurrent int
	// SkipCascade names tasks that are never pushed by cascading.
	SkipCascade []string
	Clock       Clock
	// Snapshots receives a pipeline snapshot whenever a task's output version changes.
	Snapshots versioned.Repository
	Bus       *events.Bus
	Logger    *logging.Logger
	// StatePath is where rate-limit watermarks are persisted. Empty disables persistence.
	StatePath string
	// QuarantineRoot receives a corrupt watermark file.
	QuarantineRoot string
	// OnTaskComplete and OnIdle run on the event loop. They must not block or call back into
	// the TaskMaster.
	OnTaskComplete func(Completion)
	OnIdle         func()
}

type execution struct {
	inst    *model.TaskInstance
	def     model.TaskDefinition
	attempt *model.Attempt
	cancel  context.CancelFunc
	span    trace.Span

	// done is closed once the body has returned and result is set.
	done   chan struct{}
	result Result
}

type armedTimer struct {
	name   string
	params map[string]any
	due    time.Time
	timer  Timer
}

// TaskMaster schedules task instances. Create it with New and start it with Run.
type TaskMaster struct {
	reg    *taskdef.Registry
	hist   History
	exec   Executor
	clock  Clock
	bus    *events.Bus
	log    *logging.Logger
	tracer trace.Tracer

	maxConcurrent  int
	skip           map[string]bool
	snapshots      versioned.Repository
	statePath      string
	quarantineRoot string
	onComplete     func(Completion)
	onIdle         func()

	mu      sync.Mutex
	inbox   []func()
	wake    chan struct{}
	stopped bool
	started bool
	done    chan struct{}
	bodies  sync.WaitGroup

	// Owned by the loop.
	pending         []*model.TaskInstance
	executing       map[string]*execution
	timers          map[string]*armedTimer
	lastScheduled   map[string]time.Time
	lastVersions    map[string]string
	recalcScheduled bool
	busy            bool
	stopping        bool
}

func New(reg *taskdef.Registry, hist History, exec Executor, opts Options) *TaskMaster {
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock
	}
	skip := make(map[string]bool, len(opts.SkipCascade))
	for _, name := range opts.SkipCascade {
		skip[name] = true
	}

	return &TaskMaster{
		reg:            reg,
		hist:           hist,
		exec:           exec,
		clock:          clock,
		bus:            opts.Bus,
		log:            opts.Logger,
		tracer:         otel.Tracer("ostbuild/scheduler"),
		maxConcurrent:  limit,
		skip:           skip,
		snapshots:      opts.Snapshots,
		statePath:      opts.StatePath,
		quarantineRoot: opts.QuarantineRoot,
		onComplete:     opts.OnTaskComplete,
		onIdle:         opts.OnIdle,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		executing:      make(map[string]*execution),
		timers:         make(map[string]*armedTimer),
		lastScheduled:  make(map[string]time.Time),
		lastVersions:   make(map[string]string),
	}
}

func (m *TaskMaster) MaxConcurrent() int { return m.maxConcurrent }

// Run recovers history, loads watermarks and processes the inbox until ctx is done. On return
// running bodies have been cancelled and awaited, their attempts are marked interrupted and
// armed timers are stopped.
func (m *TaskMaster) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("scheduler already started")
	}
	m.started = true
	m.mu.Unlock()

	m.recoverHistory()
	m.loadWatermarks()
	m.log.Infof("scheduler started (max_concurrent=%d, tasks=%d)", m.maxConcurrent, len(m.reg.Names()))

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-m.wake:
			m.drain(ctx)
		}
	}
}

// Done is closed once Run has finished shutting down.
func (m *TaskMaster) Done() <-chan struct{} {
	return m.done
}

func (m *TaskMaster) recoverHistory() {
	for _, name := range m.reg.Names() {
		a, err := m.hist.Recover(name)
		if err != nil {
			m.log.Warnf("recover history of %s: %v", name, err)
			continue
		}
		if a != nil && a.OutputVersion != "" {
			m.lastVersions[name] = a.OutputVersion
		}
	}
}

// drain runs inbox batches until the inbox is empty or ctx is done.
func (m *TaskMaster) drain(ctx context.Context) {
	for ctx.Err() == nil {
		m.mu.Lock()
		batch := m.inbox
		m.inbox = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// post appends fn to the inbox. It reports false once the scheduler has stopped.
func (m *TaskMaster) post(fn func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.inbox = append(m.inbox, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it.
func (m *TaskMaster) call(fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() {
		fn()
		close(finished)
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (m *TaskMaster) shutdown() {
	m.mu.Lock()
	m.stopped = true
	m.inbox = nil
	m.mu.Unlock()
	m.stopping = true

	for name, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, name)
	}

	// Bodies that already returned keep their outcome; only the rest are cancelled.
	var finished []*execution
	for _, ex := range m.executing {
		select {
		case <-ex.done:
			finished = append(finished, ex)
		default:
			ex.cancel()
		}
	}
	if n := len(m.executing) - len(finished); n > 0 {
		m.log.Infof("cancelling %d running task(s)", n)
	}
	m.bodies.Wait()

	for _, ex := range finished {
		m.complete(ex, ex.result)
	}
	for name, ex := range m.executing {
		if err := m.hist.MarkInterrupted(ex.attempt); err != nil {
			m.log.Warnf("mark %s %s interrupted: %v", name, ex.attempt.Version, err)
		}
		ex.span.AddEvent("attempt.interrupted")
		ex.span.End()
		delete(m.executing, name)
	}
	m.pending = nil

	m.log.Infof("scheduler stopped")
	close(m.done)
}

func (m *TaskMaster) publish(t events.EventType, data map[string]any) {
	m.bus.Publish(t, data)
}
