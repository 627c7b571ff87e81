package toolregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcore/engine/constitution"
)

func echoTool() Definition {
	return Definition{
		Name:        "http_fetch",
		Description: "fetches a URL",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"url": map[string]any{"type": "string"}},
			"required":             []any{"url"},
			"additionalProperties": true,
		},
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"status": 200, "url": args["url"]}, nil
		},
	}
}

func TestRegisterAndInvokeSuccess(t *testing.T) {
	r := New(constitution.New())
	require.NoError(t, r.Register(echoTool()))

	res, err := r.Invoke(context.Background(), Invocation{ToolName: "http_fetch", Args: map[string]any{"url": "https://example.com"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Positive(t, res.DurationMs+1) // DurationMs may legitimately be 0 on a fast stub; ensure no panic reading it
}

func TestInvokeMissingToolIsCapturedNotThrown(t *testing.T) {
	r := New(constitution.New())
	res, err := r.Invoke(context.Background(), Invocation{ToolName: "nonexistent"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not registered")
}

func TestInvokeInvalidArgsIsCaptured(t *testing.T) {
	r := New(constitution.New())
	require.NoError(t, r.Register(echoTool()))
	res, err := r.Invoke(context.Background(), Invocation{ToolName: "http_fetch", Args: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
	require.NotNil(t, res.RetryHint)
	assert.Equal(t, "http_fetch", res.RetryHint.Tool)
	assert.Contains(t, []RetryReason{RetryReasonInvalidArguments, RetryReasonMissingFields}, res.RetryHint.Reason)
}

func TestInvokeToolErrorIsCaptured(t *testing.T) {
	r := New(constitution.New())
	require.NoError(t, r.Register(Definition{
		Name: "shell_exec",
		Execute: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}))
	res, err := r.Invoke(context.Background(), Invocation{ToolName: "shell_exec", Args: map[string]any{"command": "echo hi"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
	require.NotNil(t, res.RetryHint)
	assert.Equal(t, RetryReasonExecutionFailed, res.RetryHint.Reason)
}

func TestInvokeCriticalConstitutionViolationAborts(t *testing.T) {
	r := New(constitution.New())
	require.NoError(t, r.Register(Definition{
		Name:    "shell_exec",
		Execute: func(context.Context, map[string]any) (any, error) { return "ran", nil },
	}))
	res, err := r.Invoke(context.Background(), Invocation{ToolName: "shell_exec", Args: map[string]any{"command": "rm -rf /"}})
	require.Error(t, err)
	require.NotNil(t, res.RetryHint)
	assert.True(t, res.RetryHint.RestrictToTool)
}

func TestFilteredRestrictsToAllowlist(t *testing.T) {
	r := New(constitution.New())
	require.NoError(t, r.Register(echoTool()))
	require.NoError(t, r.Register(Definition{Name: "file_write", Execute: func(context.Context, map[string]any) (any, error) { return nil, nil }}))

	sub := r.Filtered([]string{"http_fetch"})
	assert.Len(t, sub.Names(), 1)
	_, ok := sub.Lookup("file_write")
	assert.False(t, ok)
}

func TestNamesAndDefinitions(t *testing.T) {
	r := New(constitution.New())
	require.NoError(t, r.Register(echoTool()))
	assert.Contains(t, r.Names(), "http_fetch")
	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "http_fetch", defs[0].Name)
}
