package workers

import (
	"cmp"
	"context"
	"log/slog"
	"os"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// MatchAttribute is the capability attribute holding a CEL expression that
// a worker must satisfy in addition to declaring the capability name.
const MatchAttribute = "match"

var _ engine.AgentSelector = (*RegistrySelector)(nil)

// SelectorConfig configures a RegistrySelector.
type SelectorConfig struct {
	CEL    *expressions.CELEngine // created when nil
	Logger *slog.Logger
}

// RegistrySelector ranks workers registered in the store.
type RegistrySelector struct {
	store  store.Store
	cel    *expressions.CELEngine
	logger *slog.Logger
	group  singleflight.Group
}

// NewRegistrySelector creates a RegistrySelector over s.
func NewRegistrySelector(s store.Store, cfg SelectorConfig) (*RegistrySelector, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "registry selector requires a store")
	}
	if cfg.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		cfg.CEL = cel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &RegistrySelector{store: s, cel: cfg.CEL, logger: cfg.Logger}, nil
}

// Select returns the workers able to serve req, best first. Excluded
// workers and workers whose input schema rejects req.Input are left out.
func (s *RegistrySelector) Select(ctx context.Context, req engine.SelectionRequest) ([]engine.Candidate, error) {
	matched, err := s.matching(ctx, req.Capability)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		w       *store.Worker
		overlap int
		seen    int64
	}
	pool := make([]ranked, 0, len(matched))
	for _, w := range matched {
		if slices.Contains(req.Exclude, w.ID) {
			continue
		}
		if req.Purpose != engine.PurposeCompensation && len(w.InputSchema) > 0 {
			if err := schemas.ValidateInput(req.Input, w.InputSchema); err != nil {
				s.logger.Debug("worker rejects task input",
					slog.String("task_id", req.TaskID),
					slog.String("worker_id", w.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		r := ranked{w: w, overlap: tagOverlap(w.Tags, req.Capability.Tags)}
		if w.LastSeenAt != nil {
			r.seen = w.LastSeenAt.UnixNano()
		}
		pool = append(pool, r)
	}

	slices.SortFunc(pool, func(a, b ranked) int {
		if c := cmp.Compare(b.overlap, a.overlap); c != 0 {
			return c
		}
		if c := cmp.Compare(b.seen, a.seen); c != 0 {
			return c
		}
		return cmp.Compare(a.w.ID, b.w.ID)
	})

	out := make([]engine.Candidate, len(pool))
	for i, r := range pool {
		out[i] = engine.Candidate{
			WorkerID: r.w.ID,
			Score:    float64(r.overlap),
			Meta:     map[string]any{"name": r.w.Name},
		}
	}
	return out, nil
}

// matching lists the workers serving c. Concurrent calls for the same
// descriptor share one store read. The returned slice is shared and must
// not be modified.
func (s *RegistrySelector) matching(ctx context.Context, c schema.Capability) ([]*store.Worker, error) {
	expr, err := matchExpression(c)
	if err != nil {
		return nil, err
	}

	v, err, _ := s.group.Do(c.Name+"\x00"+expr, func() (any, error) {
		all, err := s.store.ListWorkers(ctx)
		if err != nil {
			return nil, err
		}
		capDoc := capabilityDoc(c)
		var out []*store.Worker
		for _, w := range all {
			if c.Name != "" && !slices.Contains(w.Capabilities, c.Name) {
				continue
			}
			if expr != "" {
				ok, err := s.cel.Match(ctx, expr, map[string]any{
					"worker":     workerDoc(w),
					"capability": capDoc,
				})
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"capability %q: match expression: %s", c.Name, err.Error()).WithCause(err)
				}
				if !ok {
					continue
				}
			}
			out = append(out, w)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*store.Worker), nil
}

func matchExpression(c schema.Capability) (string, error) {
	raw, ok := c.Attributes[MatchAttribute]
	if !ok || raw == nil {
		return "", nil
	}
	expr, ok := raw.(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"capability %q: attribute %q must be a string", c.Name, MatchAttribute)
	}
	return expr, nil
}

func tagOverlap(have, want []string) int {
	n := 0
	for _, t := range want {
		if slices.Contains(have, t) {
			n++
		}
	}
	return n
}

func workerDoc(w *store.Worker) map[string]any {
	attrs := w.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"id":           w.ID,
		"name":         w.Name,
		"capabilities": anySlice(w.Capabilities),
		"tags":         anySlice(w.Tags),
		"attributes":   attrs,
	}
}

func capabilityDoc(c schema.Capability) map[string]any {
	attrs := c.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"name":       c.Name,
		"tags":       anySlice(c.Tags),
		"attributes": attrs,
	}
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
