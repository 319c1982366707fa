package models

import "time"

type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncApplied  SyncStatus = "applied"
	SyncConflict SyncStatus = "conflict"
	SyncError    SyncStatus = "error"
)

type MatchType string

const (
	MatchNone       MatchType = "none"
	MatchEmail      MatchType = "email"
	MatchPhone      MatchType = "phone"
	MatchLoanNumber MatchType = "loan_number"
	MatchCreated    MatchType = "created"
)

// Milestone is a dated profile field detected in an email.
type Milestone struct {
	Name  string `json:"milestone"`
	Field string `json:"field,omitempty"`
	Date  string `json:"date"`
	Notes string `json:"notes,omitempty"`
}

// ProposedUpdate is a field change the parser suggested.
type ProposedUpdate struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"new_value"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason,omitempty"`
}

// ParsedConflict is a discrepancy the parser itself noticed.
type ParsedConflict struct {
	Field         string      `json:"field"`
	CurrentValue  interface{} `json:"current_value,omitempty"`
	ProposedValue interface{} `json:"proposed_value"`
	Reasoning     string      `json:"reasoning,omitempty"`
}

// EmailInteraction is one ingested email and everything extracted from it.
type EmailInteraction struct {
	ID               string                 `json:"id"`
	MessageID        string                 `json:"message_id,omitempty"`
	From             string                 `json:"from,omitempty"`
	To               []string               `json:"to,omitempty"`
	Subject          string                 `json:"subject,omitempty"`
	Headers          map[string]string      `json:"headers,omitempty"`
	BodyText         string                 `json:"body_text,omitempty"`
	RawEmail         string                 `json:"-"`
	RequestedType    ProfileType            `json:"requested_profile_type,omitempty"`
	ProfileType      ProfileType            `json:"profile_type,omitempty"`
	ProfileID        string                 `json:"profile_id,omitempty"`
	MatchType        MatchType              `json:"match_type,omitempty"`
	ExtractedFields  map[string]interface{} `json:"extracted_fields,omitempty"`
	ConfidenceScores map[string]float64     `json:"confidence_scores,omitempty"`
	CalculatedFields map[string]interface{} `json:"calculated_fields,omitempty"`
	Milestones       []Milestone            `json:"milestones,omitempty"`
	FieldUpdates     []ProposedUpdate       `json:"field_updates,omitempty"`
	AppliedFields    []string               `json:"applied_fields,omitempty"`
	ConflictIDs      []string               `json:"conflict_ids,omitempty"`
	Conflicts        []ParsedConflict       `json:"conflicts,omitempty"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
	Summary          string                 `json:"summary,omitempty"`
	Sentiment        string                 `json:"sentiment,omitempty"`
	UrgencyScore     float64                `json:"urgency_score"`
	SyncStatus       SyncStatus             `json:"sync_status"`
	ErrorCode        string                 `json:"error_code,omitempty"`
	Error            string                 `json:"error,omitempty"`
	RetryPending     bool                   `json:"retry_pending,omitempty"`
	Attempts         int                    `json:"attempts"`
	CreatedAt        time.Time              `json:"created_at"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`
	// ScrubbedAt is set once retention has archived and cleared the body.
	ScrubbedAt *time.Time `json:"scrubbed_at,omitempty"`
}
