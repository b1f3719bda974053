package taskdef

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrutkovs/ostbuild/internal/model"
)

func pipeline() []model.TaskDefinition {
	return []model.TaskDefinition{
		{Name: "resolve", ScheduleMinSeconds: 60},
		{
			Name:  "build",
			After: []string{"resolve"},
			Parameters: map[string]model.ParamSpec{
				"components": {Type: model.ParamArray},
				"force":      {Type: model.ParamBool, Default: false},
			},
		},
		{Name: "smoketest", After: []string{"build"}},
		{Name: "sign", After: []string{"build"}, RetainSuccess: 10, RetainFailed: 3},
	}
}

func TestNewRegistry_Lookups(t *testing.T) {
	reg, err := NewRegistry(pipeline())
	require.NoError(t, err)

	assert.True(t, reg.Has("build"))
	assert.False(t, reg.Has("deploy"))
	assert.Equal(t, []string{"resolve", "build", "smoketest", "sign"}, reg.Names())
	assert.Equal(t, []string{"build"}, reg.Successors("resolve"))
	assert.Equal(t, []string{"smoketest", "sign"}, reg.Successors("build"))
	assert.Empty(t, reg.Successors("sign"))

	def, err := reg.Get("build")
	require.NoError(t, err)
	assert.Equal(t, 5, def.RetainSuccess)
	assert.Equal(t, 1, def.RetainFailed)

	sign, err := reg.Get("sign")
	require.NoError(t, err)
	assert.Equal(t, 10, sign.RetainSuccess)
	assert.Equal(t, 3, sign.RetainFailed)

	order := reg.Order()
	assert.Less(t, indexOf(order, "resolve"), indexOf(order, "build"))
	assert.Less(t, indexOf(order, "build"), indexOf(order, "sign"))
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg, err := NewRegistry(pipeline())
	require.NoError(t, err)

	_, err = reg.Get("deploy")
	assert.True(t, errors.Is(err, ErrUnknownTask))
}

func TestRegistry_SuccessorsIsCopy(t *testing.T) {
	reg, err := NewRegistry(pipeline())
	require.NoError(t, err)

	s := reg.Successors("build")
	s[0] = "mutated"
	assert.Equal(t, []string{"smoketest", "sign"}, reg.Successors("build"))
}

func TestNewRegistry_RejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name string
		defs []model.TaskDefinition
		want string
	}{
		{
			name: "empty name",
			defs: []model.TaskDefinition{{Name: ""}},
			want: "tasks[0].name: must not be empty",
		},
		{
			name: "duplicate",
			defs: []model.TaskDefinition{{Name: "a"}, {Name: "a"}},
			want: `duplicate task "a"`,
		},
		{
			name: "unknown after",
			defs: []model.TaskDefinition{{Name: "a", After: []string{"ghost"}}},
			want: `references unknown task "ghost"`,
		},
		{
			name: "self reference",
			defs: []model.TaskDefinition{{Name: "a", After: []string{"a"}}},
			want: "self-reference is not allowed",
		},
		{
			name: "cycle",
			defs: []model.TaskDefinition{
				{Name: "a", After: []string{"b"}},
				{Name: "b", After: []string{"a"}},
			},
			want: "circular dependency detected",
		},
		{
			name: "bad param type",
			defs: []model.TaskDefinition{{Name: "a", Parameters: map[string]model.ParamSpec{"x": {Type: "blob"}}}},
			want: `unknown parameter type "blob"`,
		},
		{
			name: "default type mismatch",
			defs: []model.TaskDefinition{{Name: "a", Parameters: map[string]model.ParamSpec{"x": {Type: model.ParamBool, Default: "yes"}}}},
			want: "is not of type bool",
		},
		{
			name: "negative schedule",
			defs: []model.TaskDefinition{{Name: "a", ScheduleMinSeconds: -1}},
			want: "must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(tt.defs)
			require.Error(t, err)
			assert.Nil(t, reg)
			assert.Contains(t, err.Error(), tt.want)

			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.True(t, verrs.HasErrors())
			assert.Contains(t, verrs.FormatStderr(), "error: ")
		})
	}
}

func TestRegistry_ValidateParams(t *testing.T) {
	reg, err := NewRegistry(pipeline())
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateParams("build", nil))
	assert.NoError(t, reg.ValidateParams("build", map[string]any{"components": []any{"glib"}, "force": true}))

	err = reg.ValidateParams("build", map[string]any{"speed": 3.0})
	assert.True(t, errors.Is(err, ErrInvalidParams))

	err = reg.ValidateParams("build", map[string]any{"force": "yes"})
	assert.True(t, errors.Is(err, ErrInvalidParams))

	err = reg.ValidateParams("deploy", nil)
	assert.True(t, errors.Is(err, ErrUnknownTask))
}

func TestRegistry_ResolveParams(t *testing.T) {
	reg, err := NewRegistry(pipeline())
	require.NoError(t, err)

	got, err := reg.ResolveParams("build", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"force": false}, got)

	got, err = reg.ResolveParams("build", map[string]any{"force": true, "components": []any{"gtk"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"force": true, "components": []any{"gtk"}}, got)
}

func TestNewRegistry_RejectsPathNames(t *testing.T) {
	for _, name := range []string{"images/build", "../escape", ".", "..", `win\build`} {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry([]model.TaskDefinition{{Name: "build"}, {Name: name}})
			require.Error(t, err)

			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs.Errors, 1)
			assert.Equal(t, "tasks[1].name", verrs.Errors[0].FieldPath)
		})
	}
}
