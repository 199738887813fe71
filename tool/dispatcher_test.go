package tool

import (
	"context"
	"testing"

	"github.com/hupe1980/agentcore/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInvokeRoundTrip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "add", Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "number"}, "b": map[string]any{"type": "number"}},
		"required":   []any{"a", "b"},
	}}, func(ctx context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	}))

	result, err := r.Invoke(context.Background(), "add", map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result)
}

func TestRegistryInvokeUnknownToolReturnsToolUnavailable(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ToolUnavailable))
}

func TestRegistryInvokeRejectsInvalidArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "add", Parameters: map[string]any{
		"type":     "object",
		"required": []any{"a"},
	}}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }))

	_, err := r.Invoke(context.Background(), "add", map[string]any{})
	require.Error(t, err)
}

func TestRegistryDuplicateRegistrationFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "x"}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }))
	err := r.Register(Definition{Name: "x"}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	require.Error(t, err)
}

func TestResolvesMatchesGraphValidateSignature(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "search"}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }))

	var resolver func(string) bool = r.Resolves
	assert.True(t, resolver("search"))
	assert.False(t, resolver("missing"))
}
