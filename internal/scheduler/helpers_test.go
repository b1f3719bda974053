package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vrutkovs/ostbuild/internal/history"
	"github.com/vrutkovs/ostbuild/internal/model"
	"github.com/vrutkovs/ostbuild/internal/taskdef"
)

const waitTimeout = 2 * time.Second

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	due     time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 10, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, due: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.due.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type execCall struct {
	req   Request
	reply chan Result
}

func (c execCall) succeed(version string) {
	c.reply <- Result{Success: true, OutputVersion: version}
}

func (c execCall) fail(msg string) {
	c.reply <- Result{ErrorMessage: msg}
}

// fakeExec hands every Execute call to the test and records overlap per task name.
type fakeExec struct {
	calls chan execCall

	mu            sync.Mutex
	inflight      map[string]int
	sameName      int
	concurrent    int
	maxConcurrent int
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		calls:    make(chan execCall, 64),
		inflight: make(map[string]int),
	}
}

func (f *fakeExec) Execute(ctx context.Context, req Request) Result {
	name := req.Instance.Name
	f.mu.Lock()
	f.inflight[name]++
	if f.inflight[name] > 1 {
		f.sameName++
	}
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[name]--
		f.concurrent--
		f.mu.Unlock()
	}()

	c := execCall{req: req, reply: make(chan Result, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return Result{ErrorMessage: "cancelled"}
	}
}

func (f *fakeExec) next(t *testing.T) execCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an Execute call")
		return execCall{}
	}
}

func (f *fakeExec) stats() (sameName, maxConcurrent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sameName, f.maxConcurrent
}

type harness struct {
	m           *TaskMaster
	exec        *fakeExec
	clock       *fakeClock
	hist        *history.Store
	root        string
	completions chan Completion
	idle        chan struct{}
	cancel      context.CancelFunc
}

func newHarness(t *testing.T, defs []model.TaskDefinition, opts Options) *harness {
	t.Helper()
	return startHarness(t, defs, opts, t.TempDir(), newFakeClock(), nil)
}

func startHarness(t *testing.T, defs []model.TaskDefinition, opts Options, root string, clock *fakeClock, wrap func(History) History) *harness {
	t.Helper()

	reg, err := taskdef.NewRegistry(defs)
	require.NoError(t, err)

	hist := history.NewStore(filepath.Join(root, "tasks"), root, nil)
	hist.SetClock(clock.Now)

	h := &harness{
		exec:        newFakeExec(),
		clock:       clock,
		hist:        hist,
		root:        root,
		completions: make(chan Completion, 64),
		idle:        make(chan struct{}, 64),
	}

	opts.Clock = clock
	opts.OnTaskComplete = func(c Completion) { h.completions <- c }
	opts.OnIdle = func() { h.idle <- struct{}{} }

	var store History = hist
	if wrap != nil {
		store = wrap(hist)
	}
	h.m = New(reg, store, h.exec, opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = h.m.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.m.Done()
}

func (h *harness) waitComplete(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-h.completions:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a completion")
		return Completion{}
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	select {
	case <-h.idle:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for idle")
	}
}

// settle round-trips through the loop so every closure posted so far has run.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	_, err := h.m.TaskState()
	require.NoError(t, err)
	_, err = h.m.TaskState()
	require.NoError(t, err)
}

func pendingNames(states []TaskState) []string {
	var out []string
	for _, s := range states {
		if !s.Running {
			out = append(out, s.Task.Name)
		}
	}
	return out
}

func runningNames(states []TaskState) []string {
	var out []string
	for _, s := range states {
		if s.Running {
			out = append(out, s.Task.Name)
		}
	}
	return out
}
