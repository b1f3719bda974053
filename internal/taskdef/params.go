package taskdef

import (
	"fmt"
	"sort"

	"github.com/vrutkovs/ostbuild/internal/model"
)

var validParamTypes = map[model.ParamType]bool{
	model.ParamString: true,
	model.ParamBool:   true,
	model.ParamNumber: true,
	model.ParamObject: true,
	model.ParamArray:  true,
	model.ParamAny:    true,
}

// matchesType reports whether v, as decoded from JSON or YAML, has the declared type.
func matchesType(t model.ParamType, v any) bool {
	switch t {
	case model.ParamAny:
		return true
	case model.ParamString:
		_, ok := v.(string)
		return ok
	case model.ParamBool:
		_, ok := v.(bool)
		return ok
	case model.ParamNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32, uint, uint64, uint32:
			return true
		}
		return false
	case model.ParamObject:
		switch v.(type) {
		case map[string]any, map[any]any:
			return true
		}
		return false
	case model.ParamArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func validateSpecs(def model.TaskDefinition, errs *ValidationErrors) {
	keys := make([]string, 0, len(def.Parameters))
	for k := range def.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		spec := def.Parameters[k]
		field := fmt.Sprintf("tasks[%s].parameters.%s", def.Name, k)
		if !validParamTypes[spec.Type] {
			errs.Add(field+".type", fmt.Sprintf("unknown parameter type %q", spec.Type))
			continue
		}
		if spec.Default != nil && !matchesType(spec.Type, spec.Default) {
			errs.Add(field+".default", fmt.Sprintf("default %v is not of type %s", spec.Default, spec.Type))
		}
	}
}

func checkParams(def model.TaskDefinition, params map[string]any) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		spec, ok := def.Parameters[k]
		if !ok {
			return fmt.Errorf("%w: task %q has no parameter %q", ErrInvalidParams, def.Name, k)
		}
		if v := params[k]; v != nil && !matchesType(spec.Type, v) {
			return fmt.Errorf("%w: task %q parameter %q must be %s, got %T", ErrInvalidParams, def.Name, k, spec.Type, v)
		}
	}
	return nil
}
