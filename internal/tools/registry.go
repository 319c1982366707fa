// Package tools implements the Tool Registry and Invoker. Tool definitions are
// declarative (catalog YAML or API) and bind by handler name to Go
// ToolHandlers registered at start-up.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/schema"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Registry stores tool definitions and the handlers they bind to.
type Registry struct {
	store store.ToolStore

	mu       sync.RWMutex
	handlers map[string]contracts.ToolHandler
}

// NewRegistry creates an empty registry over the tool store.
func NewRegistry(s store.ToolStore) *Registry {
	return &Registry{store: s, handlers: make(map[string]contracts.ToolHandler)}
}

// Bind makes a Go handler available under name. Rebinding replaces it.
func (r *Registry) Bind(name string, h contracts.ToolHandler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Handlers lists bound handler names.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) handler(name string) (contracts.ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Register validates and stores a tool definition. A (name, version) pair can
// be registered once; re-registering returns *store.ErrDuplicate.
func (r *Registry) Register(ctx context.Context, tool *models.Tool) error {
	if tool.Name == "" {
		return models.NewError(models.KindValidation, "", "tool name is required")
	}
	if !tool.SideEffectClass.Valid() {
		return models.NewError(models.KindValidation, "", "tool %s: unknown side_effect_class %q", tool.Name, tool.SideEffectClass)
	}
	if tool.Handler == "" {
		tool.Handler = tool.Name
	}
	if _, ok := r.handler(tool.Handler); !ok {
		return models.NewError(models.KindValidation, "", "tool %s: no handler bound as %q", tool.Name, tool.Handler)
	}
	if _, err := schema.Parse(tool.InputSchema); err != nil {
		return models.NewError(models.KindValidation, "", "tool %s input_schema: %v", tool.Name, err)
	}
	if _, err := schema.Parse(tool.OutputSchema); err != nil {
		return models.NewError(models.KindValidation, "", "tool %s output_schema: %v", tool.Name, err)
	}
	if tool.Version <= 0 {
		tool.Version = 1
	}
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = time.Now().UTC()
	}
	if err := r.store.CreateTool(ctx, tool); err != nil {
		return err
	}
	log.Info().
		Str("tool", tool.Name).
		Int("version", tool.Version).
		Str("class", string(tool.SideEffectClass)).
		Msg("Tool registered")
	return nil
}

// Get returns the latest version of a tool.
func (r *Registry) Get(ctx context.Context, name string) (*models.Tool, error) {
	t, err := r.store.GetTool(ctx, name)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	return t, err
}

// List returns the latest version of every tool, sorted by name.
func (r *Registry) List(ctx context.Context) ([]models.Tool, error) {
	tools, err := r.store.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// Describe renders the tools an agent may call as prompt text.
func (r *Registry) Describe(ctx context.Context, names []string) (string, error) {
	var out string
	for _, n := range names {
		t, err := r.Get(ctx, n)
		if err != nil {
			return "", fmt.Errorf("describe %s: %w", n, err)
		}
		out += fmt.Sprintf("- %s (%s): %s\n  input_schema: %s\n", t.Name, t.SideEffectClass, t.Description, compact(t.InputSchema))
	}
	return out, nil
}
