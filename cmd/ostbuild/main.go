package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vrutkovs/ostbuild/internal/config"
	"github.com/vrutkovs/ostbuild/internal/daemon"
	"github.com/vrutkovs/ostbuild/internal/events"
	"github.com/vrutkovs/ostbuild/internal/lock"
	"github.com/vrutkovs/ostbuild/internal/model"
	"github.com/vrutkovs/ostbuild/internal/setup"
	"github.com/vrutkovs/ostbuild/internal/status"
	"github.com/vrutkovs/ostbuild/internal/taskdef"
	"github.com/vrutkovs/ostbuild/internal/uds"
)

const version = "0.3.0"

// rootFlag is set by a global --root <dir> option.
var rootFlag string

func main() {
	args := extractRoot(os.Args[1:])
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "setup":
		runSetup(args[1:])
	case "daemon":
		runDaemon(args[1:])
	case "push":
		runPush(args[1:])
	case "status":
		runStatus(args[1:])
	case "history":
		runHistory(args[1:])
	case "snapshot":
		runSnapshot(args[1:])
	case "tasks":
		runTasks(args[1:])
	case "shutdown":
		runShutdown(args[1:])
	case "audit":
		runAudit(args[1:])
	case "version":
		fmt.Printf("ostbuild %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func extractRoot(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--root" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: --root requires a value")
				os.Exit(1)
			}
			rootFlag = args[i+1]
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func runSetup(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: ostbuild setup <project_dir> [project_name]")
		os.Exit(1)
	}
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	base, err := setup.Run(args[0], name)
	if err != nil {
		fatalf("setup: %v", err)
	}
	fmt.Printf("Initialized %s\n", base)
}

func runDaemon(_ []string) {
	workRoot := mustWorkRoot()
	cfg := mustLoadConfig(workRoot)

	d, err := daemon.New(workRoot, cfg)
	if err != nil {
		var verrs *taskdef.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprint(os.Stderr, verrs.FormatStderr())
			os.Exit(1)
		}
		fatalf("create daemon: %v", err)
	}
	daemon.Version = version

	if err := d.Run(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			pid := lock.Holder(filepath.Join(workRoot, daemon.LocksDir, daemon.LockFile))
			fatalf("daemon already running (pid %d)", pid)
		}
		fatalf("daemon: %v", err)
	}
}

func runPush(args []string) {
	var task, paramsJSON string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--params":
			if i+1 >= len(args) {
				fatalf("--params requires a value")
			}
			i++
			paramsJSON = args[i]
		default:
			if task != "" {
				fatalf("unexpected argument: %s\nusage: ostbuild push <task> [--params JSON]", args[i])
			}
			task = args[i]
		}
	}
	if task == "" {
		fatalf("usage: ostbuild push <task> [--params JSON]")
	}

	var params map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			fatalf("--params must be a JSON object: %v", err)
		}
	}

	var reply daemon.PushReply
	if err := client().Call("push", daemon.PushParams{Task: task, Params: params}, &reply); err != nil {
		if uds.HasCode(err, uds.ErrCodeNotFound) {
			fatalf("push: unknown task %q (see: ostbuild tasks)", task)
		}
		fatalf("push: %v", err)
	}
	if reply.Due != nil {
		fmt.Printf("%s %s for %s\n", reply.Task, reply.Status, reply.Due.Local().Format("15:04:05"))
		return
	}
	fmt.Printf("%s %s\n", reply.Task, reply.Status)
}

func runStatus(args []string) {
	jsonOutput := parseJSONFlag(args, "status [--json]")
	if err := status.Run(mustWorkRoot(), jsonOutput, os.Stdout); err != nil {
		fatalf("status: %v", err)
	}
}

func runHistory(args []string) {
	if len(args) < 1 {
		fatalf("usage: ostbuild history <task> [--json]")
	}
	jsonOutput := parseJSONFlag(args[1:], "history <task> [--json]")
	if err := status.History(mustWorkRoot(), args[0], jsonOutput, os.Stdout); err != nil {
		fatalf("history: %v", err)
	}
}

func runSnapshot(args []string) {
	var previous, jsonOutput bool
	for _, a := range args {
		switch a {
		case "--previous":
			previous = true
		case "--json":
			jsonOutput = true
		default:
			fatalf("unknown flag: %s\nusage: ostbuild snapshot [--previous] [--json]", a)
		}
	}
	if err := status.Snapshot(mustWorkRoot(), previous, jsonOutput, os.Stdout); err != nil {
		fatalf("snapshot: %v", err)
	}
}

func runTasks(_ []string) {
	if err := status.Tasks(mustWorkRoot(), os.Stdout); err != nil {
		fatalf("tasks: %v", err)
	}
}

func runShutdown(_ []string) {
	if err := client().Call("shutdown", nil, nil); err != nil {
		fatalf("shutdown: %v", err)
	}
	fmt.Println("shutdown requested")
}

func runAudit(_ []string) {
	path := filepath.Join(mustWorkRoot(), daemon.LogsDir, daemon.AuditLogFile)
	total, valid, err := events.VerifyLogIntegrity(path)
	if err != nil {
		fatalf("audit: %v", err)
	}
	fmt.Printf("%s: %d entries, %d valid\n", path, total, valid)
	if valid < total {
		os.Exit(1)
	}
}

func parseJSONFlag(args []string, usage string) bool {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fatalf("unknown flag: %s\nusage: ostbuild %s", a, usage)
		}
	}
	return jsonOutput
}

func client() *uds.Client {
	return uds.NewClient(filepath.Join(mustWorkRoot(), uds.DefaultSocketName))
}

func mustWorkRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		fatalf("getwd: %v", err)
	}
	root, err := config.FindWorkRoot(rootFlag, cwd)
	if err != nil {
		fatalf("error: %v", err)
	}
	return root
}

func mustLoadConfig(workRoot string) model.Config {
	cfg, err := config.Load(workRoot)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ostbuild %s - continuous build task scheduler

Usage: ostbuild [--root <dir>] <command> [options]

Work root:
  setup <dir> [name]            Initialize .ostbuild/ in <dir>
  daemon                        Run the scheduler daemon

Scheduling (CLI -> Daemon):
  push <task> [--params JSON]   Request a run of <task>
  status [--json]               Show running, pending and rate-limited tasks
  history <task> [--json]       Show retained attempts of <task>
  snapshot [--previous] [--json] Show the latest pipeline snapshot
  tasks                         Show the task catalog
  shutdown                      Stop the daemon gracefully

Utilities:
  audit                         Verify audit log checksums
  version                       Show version
  help                          Show this help

The work root is --root, $%s, or the nearest .ostbuild/ above the
current directory.
`, version, config.EnvRoot)
}
