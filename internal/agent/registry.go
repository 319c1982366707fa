// Package agent implements the Agent Registry and the Runner that executes one
// Invocation: prompt resolution, context assembly, the LLM decision, the
// autonomy policy and tool execution through the Invoker.
package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Registry stores agents and answers subscription queries. Subscriptions are
// a pure function of the stored agents.
type Registry struct {
	store            store.AgentStore
	defaultThreshold float64
	filters          *filterCache
}

// NewRegistry creates a registry. defaultThreshold applies to agents
// registered without a confidence threshold.
func NewRegistry(s store.AgentStore, defaultThreshold float64) *Registry {
	return &Registry{store: s, defaultThreshold: defaultThreshold, filters: newFilterCache()}
}

// Register validates and stores a new agent.
func (r *Registry) Register(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		return models.NewError(models.KindValidation, "", "agent id is required")
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Status == "" {
		a.Status = models.AgentStatusActive
	}
	if a.AutonomyPolicy.ConfidenceThreshold == 0 {
		a.AutonomyPolicy.ConfidenceThreshold = r.defaultThreshold
	}
	if len(a.AutonomyPolicy.SideEffectAllowlist) == 0 {
		a.AutonomyPolicy.SideEffectAllowlist = []models.SideEffectClass{models.SideEffectReadOnly}
	}
	if err := validate(a); err != nil {
		return err
	}
	if a.PromptVersionID == "" {
		a.PromptVersionID = fmt.Sprintf("%s@v1", a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if err := r.store.CreateAgent(ctx, a); err != nil {
		return err
	}
	log.Info().
		Str("agent", a.ID).
		Str("status", string(a.Status)).
		Int("event_types", len(a.EventTypes)).
		Msg("Agent registered")
	return nil
}

func validate(a *models.Agent) error {
	if !a.Status.Valid() {
		return models.NewError(models.KindValidation, "", "agent %s: unknown status %q", a.ID, a.Status)
	}
	for _, et := range a.EventTypes {
		if !et.Valid() {
			return models.NewError(models.KindValidation, "", "agent %s: unknown event type %q", a.ID, et)
		}
	}
	p := a.AutonomyPolicy
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return models.NewError(models.KindValidation, "", "agent %s: confidence_threshold must be in [0,1]", a.ID)
	}
	for _, c := range p.SideEffectAllowlist {
		if !c.Valid() {
			return models.NewError(models.KindValidation, "", "agent %s: unknown side-effect class %q", a.ID, c)
		}
	}
	if a.Filter != "" {
		if _, err := CompileFilter(a.Filter); err != nil {
			return models.WrapError(models.KindValidation, "", err)
		}
	}
	if a.MaxInFlight < 0 || a.MemoryTopK < 0 {
		return models.NewError(models.KindValidation, "", "agent %s: max_in_flight and memory_top_k must not be negative", a.ID)
	}
	return nil
}

// Get returns an agent or an AGENT_NOT_FOUND error.
func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	a, err := r.store.GetAgent(ctx, id)
	if store.IsNotFound(err) {
		return nil, models.NewError(models.KindNotFound, models.CodeAgentNotFound, "agent %s not found", id)
	}
	return a, err
}

// List returns agents matching filter, sorted by id.
func (r *Registry) List(ctx context.Context, filter models.AgentFilter) ([]models.Agent, error) {
	agents, err := r.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// Patch carries the mutable agent fields. Nil fields are left unchanged.
type Patch struct {
	Name            *string                   `json:"name,omitempty"`
	Description     *string                   `json:"description,omitempty"`
	Goals           *[]string                 `json:"goals,omitempty"`
	ToolIDs         *[]string                 `json:"tool_ids,omitempty"`
	EventTypes      *[]models.EventType       `json:"event_types,omitempty"`
	Status          *models.AgentStatus       `json:"status,omitempty"`
	AutonomyPolicy  *models.AutonomyPolicy    `json:"autonomy_policy,omitempty"`
	Prompt          *string                   `json:"prompt,omitempty"`
	PromptVersionID *string                   `json:"prompt_version_id,omitempty"`
	Model           *string                   `json:"model,omitempty"`
	Filter          *string                   `json:"filter,omitempty"`
	ContextTools    *[]models.ContextTool     `json:"context_tools,omitempty"`
	MemoryTopK      *int                      `json:"memory_top_k,omitempty"`
	MaxInFlight     *int                      `json:"max_in_flight,omitempty"`
	Experiment      *models.ExperimentBinding `json:"experiment,omitempty"`
}

// Update applies a patch with optimistic concurrency, retrying once on a
// concurrent write. A prompt change without an explicit prompt_version_id
// mints a new version id.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (*models.Agent, error) {
	return r.mutate(ctx, id, func(a *models.Agent) {
		set(&a.Name, p.Name)
		set(&a.Description, p.Description)
		set(&a.Goals, p.Goals)
		set(&a.ToolIDs, p.ToolIDs)
		set(&a.EventTypes, p.EventTypes)
		set(&a.Status, p.Status)
		set(&a.AutonomyPolicy, p.AutonomyPolicy)
		set(&a.Model, p.Model)
		set(&a.Filter, p.Filter)
		set(&a.ContextTools, p.ContextTools)
		set(&a.MemoryTopK, p.MemoryTopK)
		set(&a.MaxInFlight, p.MaxInFlight)
		if p.Experiment != nil {
			a.Experiment = p.Experiment
		}
		if p.Prompt != nil && *p.Prompt != a.Prompt {
			a.Prompt = *p.Prompt
			a.PromptVersionID = fmt.Sprintf("%s@v%d", a.ID, a.Version+1)
		}
		set(&a.PromptVersionID, p.PromptVersionID)
	})
}

// Subscribe adds eventType to the agent's subscriptions. Idempotent.
func (r *Registry) Subscribe(ctx context.Context, agentID string, eventType models.EventType) (*models.Agent, error) {
	if !eventType.Valid() {
		return nil, models.NewError(models.KindValidation, "", "unknown event type %q", eventType)
	}
	return r.mutate(ctx, agentID, func(a *models.Agent) {
		if !a.SubscribesTo(eventType) {
			a.EventTypes = append(a.EventTypes, eventType)
		}
	})
}

// Unsubscribe removes eventType from the agent's subscriptions. Idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, agentID string, eventType models.EventType) (*models.Agent, error) {
	return r.mutate(ctx, agentID, func(a *models.Agent) {
		kept := a.EventTypes[:0]
		for _, et := range a.EventTypes {
			if et != eventType {
				kept = append(kept, et)
			}
		}
		a.EventTypes = kept
	})
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*models.Agent)) (*models.Agent, error) {
	for attempt := 0; attempt < 2; attempt++ {
		a, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		fn(a)
		if err := validate(a); err != nil {
			return nil, err
		}
		a.UpdatedAt = time.Now().UTC()
		err = r.store.UpdateAgent(ctx, a)
		if err == store.ErrVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, models.WrapError(models.KindConflict, "", store.ErrVersionConflict)
}

// Subscribers returns the active agents that should receive ev, sorted by id.
// A filter that fails to evaluate excludes the agent.
func (r *Registry) Subscribers(ctx context.Context, ev *models.Event) ([]models.Agent, error) {
	agents, err := r.List(ctx, models.AgentFilter{Status: models.AgentStatusActive, EventType: ev.Type})
	if err != nil {
		return nil, err
	}
	out := agents[:0]
	for _, a := range agents {
		if a.Status != models.AgentStatusActive || !a.SubscribesTo(ev.Type) {
			continue
		}
		ok, err := r.filters.match(a.Filter, ev)
		if err != nil {
			log.Warn().Err(err).Str("agent", a.ID).Str("event", ev.ID).Msg("Agent filter failed, skipping")
			continue
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
