// Package tools is the gateway's tool catalog: named operations with
// JSON Schema argument contracts, dispatched by the /mcp endpoints.
// The catalog preserves registration order; lookup is O(1).
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/validate"
)

// Handler executes one tool against raw, schema-validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// CatalogEntry is the public description of one tool.
type CatalogEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type tool struct {
	name        string
	description string
	handler     Handler
}

// Registry holds the tool catalog.
type Registry struct {
	byName  map[string]*tool
	order   []string
	schemas *validate.Schemas
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRegistry creates an empty catalog.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		byName:  map[string]*tool{},
		schemas: validate.NewSchemas(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Register adds a tool with its argument schema. The schema compiles at
// registration so a malformed tool never reaches the catalog.
func (r *Registry) Register(name, description, schema string, h Handler) error {
	if err := validate.ToolName(name); err != nil {
		return err
	}
	if _, dup := r.byName[name]; dup {
		return apperr.Newf(apperr.KindConflict, "tool %s already registered", name)
	}
	if err := r.schemas.Register(name, schema); err != nil {
		return err
	}
	r.byName[name] = &tool{name: name, description: description, handler: h}
	r.order = append(r.order, name)
	return nil
}

// List returns catalog entries in registration order.
func (r *Registry) List() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(r.order))
	for _, name := range r.order {
		t := r.byName[name]
		raw, _ := r.schemas.Raw(name)
		out = append(out, CatalogEntry{
			Name:        t.name,
			Description: t.description,
			InputSchema: raw,
		})
	}
	return out
}

// Len reports the catalog size.
func (r *Registry) Len() int {
	return len(r.order)
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Execute validates the arguments and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if err := validate.ToolName(name); err != nil {
		return nil, err
	}
	t, ok := r.byName[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown tool %s", name)
	}
	if err := r.schemas.Arguments(name, args); err != nil {
		r.count(name, "error")
		return nil, err
	}

	started := r.now()
	result, err := t.handler(ctx, args)
	took := time.Since(started)
	if r.metrics != nil {
		r.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(took.Seconds())
	}
	if err != nil {
		r.count(name, "error")
		r.logger.Warn(ctx, "tool execution failed", "tool", name, "took_ms", took.Milliseconds(), "error", err)
		return nil, err
	}
	r.count(name, "success")
	r.logger.Info(ctx, "tool executed", "tool", name, "took_ms", took.Milliseconds())
	return result, nil
}

func (r *Registry) count(name, status string) {
	if r.metrics != nil {
		r.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	}
}
