package tooling

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(Spec{Name: "echo", Description: "echoes config"}, ExecutorFunc(
		func(_ context.Context, config map[string]any) (Result, error) {
			return Result{Output: config["msg"]}, nil
		}))

	res, err := r.Execute(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))
}

func TestNamesPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(Spec{Name: "b"}, ExecutorFunc(func(context.Context, map[string]any) (Result, error) { return Result{}, nil }))
	r.Register(Spec{Name: "a"}, ExecutorFunc(func(context.Context, map[string]any) (Result, error) { return Result{}, nil }))

	names := r.Names()
	require.Len(t, names, 2)
	assert.Equal(t, []string{"b", "a"}, names)
}

func TestRegisterReplacesExecutorWithoutDuplicatingCatalogEntry(t *testing.T) {
	r := NewRegistry()
	r.Register(Spec{Name: "x", Description: "v1"}, ExecutorFunc(func(context.Context, map[string]any) (Result, error) { return Result{Output: 1}, nil }))
	r.Register(Spec{Name: "x", Description: "v2"}, ExecutorFunc(func(context.Context, map[string]any) (Result, error) { return Result{Output: 2}, nil }))

	assert.Len(t, r.Catalog(), 1)
	assert.Equal(t, "v2", r.Catalog()[0].Description)

	res, err := r.Execute(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output)
}
