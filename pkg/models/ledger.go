package models

import "time"

// ActionRecord is one append-only Action Ledger row.
type ActionRecord struct {
	ID               string         `json:"action_id"`
	InvocationID     string         `json:"invocation_id"`
	AgentID          string         `json:"agent_id"`
	ActionType       string         `json:"action_type"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	EventID          string         `json:"event_id"`
	AutonomyLevel    AutonomyLevel  `json:"autonomy_level"`
	Confidence       float64        `json:"confidence"`
	Outcome          Outcome        `json:"outcome"`
	Reasoning        string         `json:"reasoning,omitempty"`
	Impact           float64        `json:"impact"`
	ApprovalStatus   ApprovalStatus `json:"approval_status,omitempty"`
	CustomerResponse string         `json:"customer_response,omitempty"`
	PromptVersionID  string         `json:"prompt_version_id,omitempty"`
	VariantID        string         `json:"variant_id,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// OutcomeUpdate carries the only ledger fields that may change after the
// terminal transition. Nil fields are left untouched.
type OutcomeUpdate struct {
	Outcome          *Outcome   `json:"outcome,omitempty"`
	CustomerResponse *string    `json:"customer_response,omitempty"`
	Impact           *float64   `json:"impact,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ActionFilter narrows ledger listings.
type ActionFilter struct {
	AgentID string
	Outcome Outcome
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// DailyRollup aggregates one agent's ledger rows for one UTC day.
type DailyRollup struct {
	Date          string    `json:"date"`
	AgentID       string    `json:"agent_id"`
	Total         int       `json:"total"`
	Full          int       `json:"full"`
	Approved      int       `json:"approved"`
	Rejected      int       `json:"rejected"`
	Success       int       `json:"success"`
	Failure       int       `json:"failure"`
	Escalated     int       `json:"escalated"`
	Cancelled     int       `json:"cancelled"`
	SumConfidence float64   `json:"sum_confidence"`
	SumImpact     float64   `json:"sum_impact"`
	RefreshedAt   time.Time `json:"refreshed_at"`
}

// HealthComponents are each normalized to [0,1].
type HealthComponents struct {
	AutonomyRate           float64 `json:"autonomy_rate"`
	ApprovalAcceptanceRate float64 `json:"approval_acceptance_rate"`
	SuccessRate            float64 `json:"success_rate"`
	MeanConfidence         float64 `json:"mean_confidence"`
	MeanImpact             float64 `json:"mean_impact"`
}

// HealthTrend compares a window with the preceding equal-length window.
type HealthTrend struct {
	Direction     string  `json:"direction"`
	Delta         float64 `json:"delta"`
	PreviousScore float64 `json:"previous_score"`
}

// HealthReport is the ledger-derived health score for a time window.
type HealthReport struct {
	WindowDays  int              `json:"window_days"`
	AgentID     string           `json:"agent_id,omitempty"`
	From        time.Time        `json:"from"`
	To          time.Time        `json:"to"`
	Actions     int              `json:"actions"`
	Score       float64          `json:"score"`
	Components  HealthComponents `json:"components"`
	Trend       HealthTrend      `json:"trend"`
	GeneratedAt time.Time        `json:"generated_at"`
}
