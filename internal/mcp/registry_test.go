package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(t *testing.T, r *Registry) {
	t.Helper()
	err := NewTool("echo", "returns its input").
		Category("util").
		Tags("test").
		StringParam("text", "text to echo", true).
		NumberParam("repeat", "repeat count", false, 1.0).
		HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"text": args["text"], "repeat": args["repeat"]}, nil
		}).
		Register(r)
	require.NoError(t, err)
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	echoTool(t, r)

	res, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, "hi", data["text"])
	assert.Equal(t, 1.0, data["repeat"], "default applied")
	assert.GreaterOrEqual(t, res.ExecutionTimeMS, 0.0)

	stats, ok := r.Usage("echo")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Calls)
	assert.Equal(t, int64(0), stats.Failures)
}

func TestExecuteMissingRequiredParam(t *testing.T) {
	r := NewRegistry()
	echoTool(t, r)

	_, err := r.Execute(context.Background(), "echo", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestExecuteWrongParamType(t *testing.T) {
	r := NewRegistry()
	echoTool(t, r)

	_, err := r.Execute(context.Background(), "echo", map[string]any{"text": 42})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestHandlerErrorBecomesFailedResult(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, NewTool("bad", "always fails").
		HandlerFunc(func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("no data available")
		}).
		Register(r))

	res, err := r.Execute(context.Background(), "bad", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no data available", res.Error)

	stats, _ := r.Usage("bad")
	assert.Equal(t, int64(1), stats.Failures)
}

func TestHandlerPanicContained(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, NewTool("boom", "panics").
		HandlerFunc(func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		}).
		Register(r))

	res, err := r.Execute(context.Background(), "boom", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kaboom")
}

func TestEnumParamRejectsOutOfRange(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, NewTool("mode", "enum check").
		EnumParam("variant", "run variant", true, "fast", "full").
		HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			return args["variant"], nil
		}).
		Register(r))

	res, err := r.Execute(context.Background(), "mode", map[string]any{"variant": "fast"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = r.Execute(context.Background(), "mode", map[string]any{"variant": "bogus"})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestInputSchemaShape(t *testing.T) {
	tool := NewTool("t", "d").
		StringParam("a", "first", true).
		NumberParam("b", "second", false, 5.0).
		Build()

	schema := tool.InputSchema()
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Equal(t, []string{"a"}, schema["required"])
}

func TestListAndSearch(t *testing.T) {
	r := NewRegistry()
	echoTool(t, r)
	require.NoError(t, NewTool("backtest", "run a strategy backtest").
		Category("trading").
		HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }).
		Register(r))

	all := r.List("", "")
	require.Len(t, all, 2)
	assert.Equal(t, "backtest", all[0].Name)

	trading := r.List("trading", "")
	require.Len(t, trading, 1)

	found := r.Search("strategy")
	require.Len(t, found, 1)
	assert.Equal(t, "backtest", found[0].Name)
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	echoTool(t, r)
	err := NewTool("echo", "again").
		HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }).
		Register(r)
	assert.ErrorIs(t, err, ErrToolExists)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	echoTool(t, r)
	assert.True(t, r.Unregister("echo"))
	assert.False(t, r.Unregister("echo"))
	_, ok := r.Get("echo")
	assert.False(t, ok)
}
