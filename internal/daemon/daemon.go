// Package daemon runs the ostbuild scheduler as a long-lived process owning one work root.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/vrutkovs/ostbuild/internal/events"
	"github.com/vrutkovs/ostbuild/internal/history"
	"github.com/vrutkovs/ostbuild/internal/lock"
	"github.com/vrutkovs/ostbuild/internal/logging"
	"github.com/vrutkovs/ostbuild/internal/model"
	"github.com/vrutkovs/ostbuild/internal/scheduler"
	"github.com/vrutkovs/ostbuild/internal/shim"
	"github.com/vrutkovs/ostbuild/internal/taskdef"
	"github.com/vrutkovs/ostbuild/internal/telemetry"
	"github.com/vrutkovs/ostbuild/internal/uds"
	"github.com/vrutkovs/ostbuild/internal/versioned"
)

// Version is reported as the telemetry service version.
var Version = "dev"

// Work root layout.
const (
	TasksDir     = "tasks"
	SnapshotsDir = "snapshots"
	TriggersDir  = "triggers"
	StateDir     = "state"
	LogsDir      = "logs"
	LocksDir     = "locks"
	LockFile     = "daemon.lock"
	AuditLogFile = "audit.jsonl"

	scheduleStateFile = "schedule.json"
	daemonLogFile     = "daemon.log"
)

// Daemon is the main ostbuild daemon process.
type Daemon struct {
	workRoot string
	config   model.Config
	log      *logging.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	runner   shim.CommandRunner

	reg       *taskdef.Registry
	tm        *scheduler.TaskMaster
	bus       *events.Bus
	audit     *events.AuditLogger
	telemetry telemetry.ShutdownFunc
	queries   singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	tmCancel  context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once
	started   atomic.Bool
	forceExit atomic.Bool
}

// New creates a daemon for workRoot logging to logs/daemon.log.
func New(workRoot string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(workRoot, LogsDir, daemonLogFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	d, err := newDaemon(workRoot, cfg, logFile, logFile)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(workRoot string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	reg, err := taskdef.NewRegistry(cfg.Tasks)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")

	return &Daemon{
		workRoot:  workRoot,
		config:    cfg,
		log:       logger,
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(workRoot, LocksDir, LockFile)),
		server:    uds.NewServer(filepath.Join(workRoot, uds.DefaultSocketName), logger.With("uds")),
		reg:       reg,
		bus:       events.NewBus(0),
		telemetry: func(context.Context) error { return nil },
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Run starts the daemon and blocks until a signal or a shutdown request has been handled.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the work root, starts the scheduler and the UDS server, and returns once the
// daemon is accepting requests.
func (d *Daemon) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("daemon already started")
	}

	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log.Infof("daemon starting pid=%d root=%s", os.Getpid(), d.workRoot)

	for _, dir := range []string{TasksDir, SnapshotsDir, TriggersDir, StateDir} {
		if err := os.MkdirAll(filepath.Join(d.workRoot, dir), 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	// Step 2: Telemetry and audit trail
	shutdownTelemetry, err := telemetry.Setup(d.ctx, d.config.Telemetry, Version)
	if err != nil {
		d.log.Warnf("telemetry disabled: %v", err)
	} else {
		d.telemetry = shutdownTelemetry
	}

	auditPath := filepath.Join(d.workRoot, LogsDir, AuditLogFile)
	if d.config.Logging.AuditChecksum {
		d.verifyAudit(auditPath)
	}
	audit, err := events.NewAuditLogger(auditPath, 0, d.log.With("audit"))
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(d.config.Logging.AuditChecksum)
	d.audit = audit
	d.bus.SubscribeAll(audit.Record)

	// Step 3: Scheduler
	snapshots, err := versioned.NewDirStore(filepath.Join(d.workRoot, SnapshotsDir), d.config.Scheduler.SnapshotRetain)
	if err != nil {
		d.Shutdown()
		return fmt.Errorf("open snapshot store: %w", err)
	}
	hist := history.NewStore(filepath.Join(d.workRoot, TasksDir), d.workRoot, d.log.With("history"))
	d.tm = scheduler.New(d.reg, hist, shim.New(d.runner, d.log.With("shim")), scheduler.Options{
		MaxConcurrent:  d.config.Scheduler.MaxConcurrent,
		SkipCascade:    d.config.Scheduler.SkipCascade,
		Snapshots:      snapshots,
		Bus:            d.bus,
		Logger:         d.log.With("scheduler"),
		StatePath:      filepath.Join(d.workRoot, StateDir, scheduleStateFile),
		QuarantineRoot: d.workRoot,
	})
	tmCtx, tmCancel := context.WithCancel(context.Background())
	d.tmCancel = tmCancel
	go func() {
		if err := d.tm.Run(tmCtx); err != nil {
			d.log.Errorf("scheduler: %v", err)
		}
	}()

	// Step 4: UDS server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.Shutdown()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Infof("UDS server listening on %s", filepath.Join(d.workRoot, uds.DefaultSocketName))

	// Step 5: Producers
	if d.config.Daemon.TriggersEnabled() {
		if err := d.startTriggers(); err != nil {
			d.Shutdown()
			return err
		}
	}
	if sec := d.config.Daemon.PollIntervalSec; sec > 0 && len(d.config.Daemon.PollTasks) > 0 {
		d.ticker = time.NewTicker(time.Duration(sec) * time.Second)
		d.wg.Add(1)
		go d.tickerLoop()
	}
	for _, name := range d.config.Daemon.StartupTasks {
		d.pushLogged(name, nil, "startup")
	}

	d.log.Infof("daemon ready (tasks=%d, max_concurrent=%d)", len(d.reg.Names()), d.tm.MaxConcurrent())
	return nil
}

// Done is closed once Shutdown has begun.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

// pushLogged pushes a task on behalf of a daemon-side producer, logging instead of returning
// errors.
func (d *Daemon) pushLogged(name string, params map[string]any, source string) {
	if err := d.tm.PushTask(name, params); err != nil {
		d.log.Warnf("%s push of %s: %v", source, name, err)
		return
	}
	d.log.Debugf("%s push of %s", source, name)
}

// tickerLoop pushes the configured poll tasks at every tick.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			for _, name := range d.config.Daemon.PollTasks {
				d.pushLogged(name, nil, "poll")
			}
		}
	}
}

// waitSignals blocks until a shutdown signal is received or Shutdown is called.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log.Warnf("received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		}()
	case <-d.ctx.Done():
	}

	// Blocks until a concurrent Shutdown finishes.
	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Infof("shutdown started")

		// 1. Stop producers
		d.cancel()
		if d.ticker != nil {
			d.ticker.Stop()
		}
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 2. Stop the scheduler, which cancels running attempts
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		deadline := time.After(time.Duration(timeout) * time.Second)
		if d.tm != nil {
			d.tmCancel()
			select {
			case <-d.tm.Done():
			case <-deadline:
				d.log.Warnf("shutdown timeout after %ds, running tasks may not be recorded", timeout)
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log.Infof("all goroutines drained")
		case <-deadline:
			d.log.Warnf("shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 3. Flush
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.telemetry(ctx); err != nil {
			d.log.Warnf("telemetry shutdown: %v", err)
		}
		cancel()
		d.bus.Close()
		if d.audit != nil {
			d.audit.Close()
		}

		d.cleanup()
		d.log.Infof("daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.workRoot, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

// verifyAudit reports audit entries whose checksum no longer matches.
func (d *Daemon) verifyAudit(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	total, valid, err := events.VerifyLogIntegrity(path)
	if err != nil {
		d.log.Warnf("verify audit log: %v", err)
		return
	}
	if valid < total {
		d.log.Warnf("audit log %s: %d of %d entries fail verification", path, total-valid, total)
		return
	}
	d.log.Debugf("audit log %s: %d entries verified", path, total)
}
