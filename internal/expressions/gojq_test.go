package expressions

import (
	"context"
	"testing"

	"github.com/rendis/maestro/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = NewGoJQEngine()
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), `.payload.worker`, map[string]any{
		"payload": map[string]any{"worker": "w-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "w-1", got)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)
}

func TestGoJQ_Matches(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	doc := map[string]any{
		"kind":    "retrying",
		"task_id": "t2",
		"payload": map[string]any{"attempt": 2, "delay_ms": 400},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"bool filter", `.payload.attempt > 1`, true},
		{"select passes", `select(.kind == "retrying")`, true},
		{"select drops", `select(.kind == "completed")`, false},
		{"missing path", `.payload.worker`, false},
		{"type error is no match", `.payload.attempt | length > 3 | not | .x`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Matches(ctx, tc.expr, doc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGoJQ_CompileError(t *testing.T) {
	e := NewGoJQEngine()
	err := e.Compile(`.payload[`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Matches(context.Background(), `.payload[`, map[string]any{})
	require.Error(t, err)
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestNormalizeForJQ(t *testing.T) {
	got := normalizeForJQ(map[string]any{"a": 1, "b": []any{int64(2)}})
	assert.Equal(t, map[string]any{"a": float64(1), "b": []any{float64(2)}}, got)
	assert.Nil(t, normalizeForJQ(nil))
}

func TestGoJQ_EmptyExpression(t *testing.T) {
	_, err := NewGoJQEngine().Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
