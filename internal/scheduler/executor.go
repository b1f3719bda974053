package scheduler

import (
	"context"

	"github.com/vrutkovs/ostbuild/internal/model"
)

// Request describes one attempt handed to an Executor.
type Request struct {
	Instance   model.TaskInstance
	Definition model.TaskDefinition
	Attempt    model.Attempt
}

// Result is what an Executor reports when the task body has ended.
type Result struct {
	Success       bool
	ErrorMessage  string
	OutputVersion string
	// LogFile is relative to the attempt directory.
	LogFile string
}

// Executor runs task bodies. Execute is called on its own goroutine and must return once ctx
// is cancelled.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) Result

func (f ExecutorFunc) Execute(ctx context.Context, req Request) Result {
	return f(ctx, req)
}
