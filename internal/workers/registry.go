// Package workers provides the reference AgentSelector and AgentExecutor:
// workers registered in the store, matched by capability and run as local
// processes.
package workers

import (
	"context"
	"slices"
	"strings"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/validation"
	"github.com/rendis/maestro/pkg/schema"
)

// schemas compiles registered input schemas; it caches by source text.
var schemas = mustDocumentValidator()

func mustDocumentValidator() *validation.DocumentValidator {
	v, err := validation.NewDocumentValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateWorker checks required fields on a Worker.
func ValidateWorker(w *store.Worker) error {
	if strings.TrimSpace(w.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "worker id is required")
	}
	if len(w.Capabilities) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"worker %q must declare at least one capability", w.ID)
	}
	if slices.Contains(w.Capabilities, "") {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"worker %q declares an empty capability", w.ID)
	}
	if len(w.InputSchema) > 0 {
		if err := schemas.CheckSchema(w.InputSchema); err != nil {
			return schema.AsMaestroError(err, schema.ErrCodeValidation).
				WithDetails(map[string]any{"worker_id": w.ID})
		}
	}
	return nil
}

// Register validates w and upserts it. A missing name defaults to the id.
func Register(ctx context.Context, s store.Store, w *store.Worker) (*store.Worker, error) {
	if w.Name == "" {
		w.Name = w.ID
	}
	if err := ValidateWorker(w); err != nil {
		return nil, err
	}
	if err := s.RegisterWorker(ctx, w); err != nil {
		return nil, err
	}
	return s.GetWorker(ctx, w.ID)
}

// EnsureRegistered returns the stored worker when it exists, refreshing its
// last-seen time, and registers w otherwise.
func EnsureRegistered(ctx context.Context, s store.Store, w *store.Worker) (*store.Worker, error) {
	existing, err := s.GetWorker(ctx, w.ID)
	if err == nil {
		_ = s.UpdateWorkerSeen(ctx, w.ID)
		return existing, nil
	}
	if schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return nil, err
	}
	return Register(ctx, s, w)
}
