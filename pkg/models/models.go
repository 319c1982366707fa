// Package models holds the data model shared by every orchestrator component.
// Entities reference each other by identifier only.
package models

import (
	"encoding/json"
	"time"
)

// ── Agent ────────────────────────────────────────────────────

type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusRetired AgentStatus = "retired"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusPaused, AgentStatusRetired:
		return true
	}
	return false
}

// AutonomyPolicy decides which decisions an agent may apply without a human.
type AutonomyPolicy struct {
	ConfidenceThreshold float64           `json:"confidence_threshold" yaml:"confidence_threshold"`
	SideEffectAllowlist []SideEffectClass `json:"side_effect_allowlist" yaml:"side_effect_allowlist"`
}

// Allows reports whether the side-effect class is on the allowlist.
func (p AutonomyPolicy) Allows(class SideEffectClass) bool {
	for _, c := range p.SideEffectAllowlist {
		if c == class {
			return true
		}
	}
	return false
}

// ContextTool is a read-only tool the runner calls while assembling context.
// Argument values may reference $entity_id, $entity_type or $payload.<key>.
type ContextTool struct {
	Tool string            `json:"tool" yaml:"tool"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// ExperimentBinding attaches an agent to a running experiment. The runner asks
// the experiment engine for a variant and records Metric on completion.
type ExperimentBinding struct {
	Name   string `json:"name" yaml:"name"`
	Metric string `json:"metric,omitempty" yaml:"metric,omitempty"`
}

// Agent is a named policy that reacts to events by proposing decisions.
type Agent struct {
	ID              string             `json:"id" yaml:"id"`
	Name            string             `json:"name" yaml:"name"`
	Description     string             `json:"description,omitempty" yaml:"description,omitempty"`
	Goals           []string           `json:"goals,omitempty" yaml:"goals,omitempty"`
	ToolIDs         []string           `json:"tool_ids,omitempty" yaml:"tool_ids,omitempty"`
	EventTypes      []EventType        `json:"event_types" yaml:"event_types"`
	Status          AgentStatus        `json:"status" yaml:"status"`
	AutonomyPolicy  AutonomyPolicy     `json:"autonomy_policy" yaml:"autonomy_policy"`
	Prompt          string             `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	PromptVersionID string             `json:"prompt_version_id,omitempty" yaml:"prompt_version_id,omitempty"`
	Model           string             `json:"model,omitempty" yaml:"model,omitempty"`
	Filter          string             `json:"filter,omitempty" yaml:"filter,omitempty"`
	ContextTools    []ContextTool      `json:"context_tools,omitempty" yaml:"context_tools,omitempty"`
	MemoryTopK      int                `json:"memory_top_k,omitempty" yaml:"memory_top_k,omitempty"`
	Experiment      *ExperimentBinding `json:"experiment,omitempty" yaml:"experiment,omitempty"`

	// Handler names a built-in pipeline that replaces the LLM decision step.
	Handler     string    `json:"handler,omitempty" yaml:"handler,omitempty"`
	MaxInFlight int       `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`
	Version     int       `json:"version" yaml:"-"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// SubscribesTo reports whether the agent lists the event type.
func (a *Agent) SubscribesTo(t EventType) bool {
	for _, et := range a.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Permits reports whether the tool is in the agent's tool_ids.
func (a *Agent) Permits(tool string) bool {
	for _, id := range a.ToolIDs {
		if id == tool {
			return true
		}
	}
	return false
}

// AgentFilter narrows Registry.List.
type AgentFilter struct {
	Status    AgentStatus
	EventType EventType
}

// ── Tool ─────────────────────────────────────────────────────

type SideEffectClass string

const (
	SideEffectReadOnly      SideEffectClass = "read_only"
	SideEffectWritesCRM     SideEffectClass = "writes_crm"
	SideEffectSendsExternal SideEffectClass = "sends_external"
	SideEffectIrreversible  SideEffectClass = "irreversible"
)

// Valid reports whether c is a known side-effect class.
func (c SideEffectClass) Valid() bool {
	switch c {
	case SideEffectReadOnly, SideEffectWritesCRM, SideEffectSendsExternal, SideEffectIrreversible:
		return true
	}
	return false
}

// Idempotent tools may be retried automatically.
func (c SideEffectClass) Idempotent() bool {
	return c == SideEffectReadOnly || c == SideEffectWritesCRM
}

// RequiresApproval is true for classes that always need a human.
func (c SideEffectClass) RequiresApproval() bool {
	return c == SideEffectSendsExternal || c == SideEffectIrreversible
}

// Tool is a callable capability with typed input and output schemas.
// A registered (name, version) pair is immutable.
type Tool struct {
	Name            string          `json:"name" yaml:"name"`
	Version         int             `json:"version" yaml:"version"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema     json.RawMessage `json:"input_schema" yaml:"-"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	Handler         string          `json:"handler" yaml:"handler"`
	SideEffectClass SideEffectClass `json:"side_effect_class" yaml:"side_effect_class"`
	TimeoutSecs     int             `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty"`
	CreatedAt       time.Time       `json:"created_at" yaml:"-"`
}

// Task is a follow-up item created by agents.
type Task struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Title      string    `json:"title"`
	DueDate    string    `json:"due_date,omitempty"`
	Status     string    `json:"status"`
	CreatedBy  string    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
