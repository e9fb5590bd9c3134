package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/maestro/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = newCEL(t)
	assert.Equal(t, "cel", newCEL(t).Name())
}

func TestCEL_MatchWorkerCapabilities(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	data := map[string]any{
		"worker": map[string]any{
			"id":           "w-1",
			"capabilities": []any{"summarize", "translate"},
			"metadata":     map[string]any{"tier": "gold", "max_tokens": 8000},
		},
		"capability": map[string]any{
			"name":       "translate",
			"attributes": map[string]any{"min_tokens": 4000},
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"name in list", `capability.name in worker.capabilities`, true},
		{"metadata compare", `worker.metadata.max_tokens >= capability.attributes.min_tokens`, true},
		{"tier check", `worker.metadata.tier == "silver"`, false},
		{"has macro", `has(worker.metadata.tier) && worker.id.startsWith("w-")`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Match(ctx, tc.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCEL_MatchRequiresBool(t *testing.T) {
	e := newCEL(t)
	_, err := e.Match(context.Background(), `1 + 2`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCEL_EmptyExpression(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCEL_CompileError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `worker.id ==`, nil)
	require.Error(t, err)
	var mErr *schema.MaestroError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
	assert.Contains(t, mErr.Message, "CEL compile error")
}

func TestCEL_UnknownVariable(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `steps.a == 1`, nil)
	require.Error(t, err)
}

func TestCEL_RuntimeError_MissingField(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `worker.metadata.tier == "gold"`, map[string]any{
		"worker": map[string]any{"id": "w-1"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))
}

func TestCEL_MissingDataKeys_DefaultToEmpty(t *testing.T) {
	e := newCEL(t)
	got, err := e.Evaluate(context.Background(), `size(worker) == 0 && size(capability) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestCEL_ProgramCaching(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, `capability.name == "x"`, map[string]any{"capability": map[string]any{"name": "x"}})
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestCEL_Concurrent(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := e.Match(ctx, `worker.id == capability.name`, map[string]any{
				"worker":     map[string]any{"id": "w"},
				"capability": map[string]any{"name": "w"},
			})
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
