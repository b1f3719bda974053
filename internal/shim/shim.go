// Package shim runs one task attempt as a subprocess inside its attempt directory.
package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vrutkovs/ostbuild/internal/atomicfile"
	"github.com/vrutkovs/ostbuild/internal/logging"
	"github.com/vrutkovs/ostbuild/internal/scheduler"
)

const (
	ParametersFile = "parameters.json"
	OutputFile     = "output.txt"
	ErrorsFile     = "errors.txt"
	VersionFile    = "version.txt"

	tailLines = 10
)

// Environment variables set for the task body.
const (
	EnvTask        = "OSTBUILD_TASK"
	EnvTaskVersion = "OSTBUILD_TASK_VERSION"
	EnvWorkdir     = "OSTBUILD_WORKDIR"
	EnvParameters  = "OSTBUILD_PARAMETERS"
)

// Shim implements scheduler.Executor.
type Shim struct {
	runner CommandRunner
	log    *logging.Logger
	env    []string
}

// New returns a shim using runner, or a RealCommandRunner when runner is nil. The task body
// inherits the current process environment.
func New(runner CommandRunner, logger *logging.Logger) *Shim {
	if runner == nil {
		runner = &RealCommandRunner{}
	}
	return &Shim{runner: runner, log: logger, env: os.Environ()}
}

func (s *Shim) Execute(ctx context.Context, req scheduler.Request) scheduler.Result {
	name, version, dir := req.Instance.Name, req.Attempt.Version, req.Attempt.Dir

	ctx, span := otel.Tracer("ostbuild/shim").Start(ctx, "ostbuild.attempt",
		trace.WithAttributes(
			attribute.String("task.name", name),
			attribute.String("task.version", version),
		))
	defer span.End()

	res := s.execute(ctx, span, req)
	if res.Success {
		span.SetAttributes(attribute.String("task.output_version", res.OutputVersion))
		span.AddEvent("attempt.completed")
		span.SetStatus(codes.Ok, "")
	} else {
		span.AddEvent("attempt.failed")
		span.SetStatus(codes.Error, firstLine(res.ErrorMessage))
		s.log.Debugf("%s %s in %s failed: %s", name, version, dir, firstLine(res.ErrorMessage))
	}
	return res
}

func (s *Shim) execute(ctx context.Context, span trace.Span, req scheduler.Request) scheduler.Result {
	name, version, dir := req.Instance.Name, req.Attempt.Version, req.Attempt.Dir
	def := req.Definition

	if len(def.Command) == 0 {
		return scheduler.Result{ErrorMessage: fmt.Sprintf("%s %s: no command configured", name, version)}
	}

	params := req.Instance.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return scheduler.Result{ErrorMessage: fmt.Sprintf("%s %s: encode parameters: %v", name, version, err)}
	}
	if err := atomicfile.WriteJSON(filepath.Join(dir, ParametersFile), params); err != nil {
		return scheduler.Result{ErrorMessage: fmt.Sprintf("%s %s: %v", name, version, err)}
	}

	stdout, err := os.Create(filepath.Join(dir, OutputFile))
	if err != nil {
		return scheduler.Result{ErrorMessage: fmt.Sprintf("%s %s: create log: %v", name, version, err)}
	}
	defer stdout.Close()

	errorLog := OutputFile
	var stderr io.Writer = stdout
	if def.PreserveStdout {
		f, err := os.Create(filepath.Join(dir, ErrorsFile))
		if err != nil {
			return scheduler.Result{ErrorMessage: fmt.Sprintf("%s %s: create error log: %v", name, version, err)}
		}
		defer f.Close()
		stderr = f
		errorLog = ErrorsFile
	}

	argv := append(append([]string(nil), def.Command...), string(paramsJSON))
	env := append(append([]string(nil), s.env...),
		EnvTask+"="+name,
		EnvTaskVersion+"="+version,
		EnvWorkdir+"="+dir,
		EnvParameters+"="+string(paramsJSON),
	)

	span.AddEvent("attempt.started")
	s.log.Debugf("running %s %s: %s", name, version, strings.Join(def.Command, " "))
	code, runErr := s.runner.Run(ctx, dir, argv, env, stdout, stderr)
	span.SetAttributes(attribute.Int("process.exit_code", code))

	if err := stdout.Sync(); err != nil {
		s.log.Warnf("sync log of %s %s: %v", name, version, err)
	}

	if ctx.Err() != nil {
		return scheduler.Result{
			ErrorMessage: fmt.Sprintf("%s %s: interrupted", name, version),
			LogFile:      OutputFile,
		}
	}
	if runErr == nil && code == 0 {
		return scheduler.Result{
			Success:       true,
			OutputVersion: readVersion(dir),
			LogFile:       OutputFile,
		}
	}

	var msg string
	var exitErr *exec.ExitError
	switch {
	case code > 0:
		msg = fmt.Sprintf("%s %s: exited with code %d", name, version, code)
	case errors.As(runErr, &exitErr):
		msg = fmt.Sprintf("%s %s: terminated: %v", name, version, runErr)
	case runErr != nil:
		msg = fmt.Sprintf("%s %s: failed to run: %v", name, version, runErr)
	default:
		msg = fmt.Sprintf("%s %s: exited with code %d", name, version, code)
	}
	if runErr != nil {
		span.RecordError(runErr)
	}
	if tail := tailFile(filepath.Join(dir, errorLog), tailLines); tail != "" {
		msg += "\n" + tail
	}
	return scheduler.Result{ErrorMessage: msg, LogFile: OutputFile}
}

func readVersion(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// tailFile returns the last n lines of path, ignoring trailing newlines.
func tailFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
