// Package taskdef holds the static catalog of task kinds and answers lookups against it.
package taskdef

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/vrutkovs/ostbuild/internal/history"
	"github.com/vrutkovs/ostbuild/internal/model"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrInvalidParams = errors.New("invalid task parameters")
)

// Registry is built once at startup and then only read.
type Registry struct {
	defs       map[string]model.TaskDefinition
	names      []string
	successors map[string][]string
	order      []string
}

// NewRegistry registers defs in order, filling retention defaults, and validates the catalog:
// names, after references, parameter specs and the absence of cycles.
func NewRegistry(defs []model.TaskDefinition) (*Registry, error) {
	r := &Registry{
		defs:       make(map[string]model.TaskDefinition, len(defs)),
		successors: make(map[string][]string),
	}
	errs := &ValidationErrors{}

	for i, def := range defs {
		if msg := checkName(def.Name); msg != "" {
			errs.Add(fmt.Sprintf("tasks[%d].name", i), msg)
			continue
		}
		if _, dup := r.defs[def.Name]; dup {
			errs.Add(fmt.Sprintf("tasks[%d].name", i), fmt.Sprintf("duplicate task %q", def.Name))
			continue
		}
		if def.ScheduleMinSeconds < 0 {
			errs.Add(fmt.Sprintf("tasks[%s].schedule_min_seconds", def.Name), "must be >= 0")
		}
		if def.RetainSuccess <= 0 {
			def.RetainSuccess = history.DefaultRetainSuccess
		}
		if def.RetainFailed <= 0 {
			def.RetainFailed = history.DefaultRetainFailed
		}
		def.After = append([]string(nil), def.After...)
		def.Command = append([]string(nil), def.Command...)
		validateSpecs(def, errs)

		r.defs[def.Name] = def
		r.names = append(r.names, def.Name)
	}

	after := make(map[string][]string, len(r.names))
	for _, name := range r.names {
		def := r.defs[name]
		after[name] = def.After
		for i, dep := range def.After {
			field := fmt.Sprintf("tasks[%s].after[%d]", name, i)
			switch {
			case dep == name:
				errs.Add(field, "self-reference is not allowed")
			case !r.Has(dep):
				errs.Add(field, fmt.Sprintf("references unknown task %q", dep))
			default:
				r.successors[dep] = append(r.successors[dep], name)
			}
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}

	order, err := topoSort(r.names, after)
	if err != nil {
		errs.Add("tasks", err.Error())
		return nil, errs
	}
	r.order = order
	return r, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Get returns the definition registered under name, or ErrUnknownTask.
func (r *Registry) Get(name string) (model.TaskDefinition, error) {
	def, ok := r.defs[name]
	if !ok {
		return model.TaskDefinition{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return def, nil
}

// Names lists tasks in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Successors lists the tasks that declare name in their after list, in registration order.
func (r *Registry) Successors(name string) []string {
	return append([]string(nil), r.successors[name]...)
}

// Order lists tasks so each one follows everything it runs after.
func (r *Registry) Order() []string {
	return append([]string(nil), r.order...)
}

// ValidateParams rejects parameters the task does not declare and values of the wrong type.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	def, err := r.Get(name)
	if err != nil {
		return err
	}
	return checkParams(def, params)
}

// ResolveParams returns the task defaults overlaid with params.
func (r *Registry) ResolveParams(name string, params map[string]any) (map[string]any, error) {
	def, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if err := checkParams(def, params); err != nil {
		return nil, err
	}
	out := def.DefaultParameters()
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}

// checkName rejects names that cannot serve as a single directory under tasks/.
func checkName(name string) string {
	switch {
	case name == "":
		return "must not be empty"
	case name == "." || name == "..":
		return fmt.Sprintf("%q is not a valid task name", name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, os.PathSeparator):
		return fmt.Sprintf("task name %q must not contain a path separator", name)
	}
	return ""
}
