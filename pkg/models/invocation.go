package models

import (
	"encoding/json"
	"time"
)

// InvocationState tracks progress through the runner.
type InvocationState string

const (
	StateCreated         InvocationState = "created"
	StateAssembling      InvocationState = "assembling"
	StateDeciding        InvocationState = "deciding"
	StateExecuting       InvocationState = "executing"
	StatePendingApproval InvocationState = "pending_approval"
	StateEscalated       InvocationState = "escalated"
	StateSuccess         InvocationState = "success"
	StateFailure         InvocationState = "failure"
	StateCancelled       InvocationState = "cancelled"
)

var transitions = map[InvocationState][]InvocationState{
	StateCreated:         {StateAssembling, StateFailure, StateCancelled},
	StateAssembling:      {StateDeciding, StateFailure, StateCancelled},
	StateDeciding:        {StateDeciding, StateExecuting, StatePendingApproval, StateEscalated, StateSuccess, StateFailure, StateCancelled},
	StateExecuting:       {StateSuccess, StateFailure, StateEscalated, StateCancelled},
	StatePendingApproval: {StateExecuting, StateSuccess, StateCancelled},
	StateEscalated:       {},
}

// Terminal states never change again.
func (s InvocationState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateCancelled, StateEscalated:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to InvocationState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeEscalated Outcome = "escalated"
	OutcomePending   Outcome = "pending"
	OutcomeCancelled Outcome = "cancelled"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeEscalated, OutcomePending, OutcomeCancelled:
		return true
	}
	return false
}

type AutonomyLevel string

const (
	AutonomyFull             AutonomyLevel = "full"
	AutonomyAssisted         AutonomyLevel = "assisted"
	AutonomyApprovalRequired AutonomyLevel = "approval_required"
)

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ── Decision ─────────────────────────────────────────────────

type DecisionKind string

const (
	DecisionDirectEffect DecisionKind = "direct_effect"
	DecisionToolCall     DecisionKind = "tool_call"
	DecisionEscalate     DecisionKind = "escalate"
)

// Decision is the tagged value produced by the LLM step. Only the fields of
// its Kind are meaningful.
type Decision struct {
	Kind       DecisionKind           `json:"kind"`
	Summary    string                 `json:"summary,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Confidence float64                `json:"confidence"`
	Impact     *float64               `json:"impact,omitempty"`
}

// ── Invocation ───────────────────────────────────────────────

// Invocation is one execution of one agent against one event.
type Invocation struct {
	ID               string          `json:"invocation_id"`
	EventID          string          `json:"event_id"`
	AgentID          string          `json:"agent_id"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	PromptVersionID  string          `json:"prompt_version_id"`
	ExperimentID     string          `json:"experiment_id,omitempty"`
	VariantID        string          `json:"variant_id,omitempty"`
	Subject          string          `json:"subject,omitempty"`
	State            InvocationState `json:"state"`
	Outcome          Outcome         `json:"outcome"`
	Confidence       float64         `json:"confidence"`
	Impact           float64         `json:"impact"`
	AutonomyLevel    AutonomyLevel   `json:"autonomy_level,omitempty"`
	Decision         *Decision       `json:"decision,omitempty"`
	ToolCallIDs      []string        `json:"tool_call_ids"`
	Reason           string          `json:"reason,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ApprovalStatus   ApprovalStatus  `json:"approval_status,omitempty"`
	Reviewer         string          `json:"reviewer,omitempty"`
	CustomerResponse string          `json:"customer_response,omitempty"`
	SupersedesID     string          `json:"supersedes_id,omitempty"`
	CancelRequested  bool            `json:"cancel_requested,omitempty"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// InvocationFilter narrows invocation listings.
type InvocationFilter struct {
	AgentID string
	EventID string
	Status  string // matches either state or outcome
	Since   *time.Time
	Limit   int
}

// ── Tool calls ───────────────────────────────────────────────

type ToolCallStatus string

const (
	ToolCallStarted   ToolCallStatus = "started"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCall records one tool execution. Immutable after FinishedAt is set.
type ToolCall struct {
	ID              string                 `json:"id"`
	InvocationID    string                 `json:"invocation_id"`
	ToolName        string                 `json:"tool_name"`
	SideEffectClass SideEffectClass        `json:"side_effect_class"`
	Arguments       map[string]interface{} `json:"arguments"`
	Result          json.RawMessage        `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Status          ToolCallStatus         `json:"status"`
	Attempts        int                    `json:"attempts"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
}
