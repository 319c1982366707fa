package models

import (
	"fmt"
	"strings"
	"time"
)

type ProfileType string

const (
	ProfileLead       ProfileType = "lead"
	ProfileActiveLoan ProfileType = "active_loan"
	ProfileMUMClient  ProfileType = "mum_client"
	ProfileTeamMember ProfileType = "team_member"
)

// ProfileTypes is the closed profile vocabulary.
var ProfileTypes = []ProfileType{ProfileLead, ProfileActiveLoan, ProfileMUMClient, ProfileTeamMember}

// Valid reports whether t is a known profile type.
func (t ProfileType) Valid() bool {
	for _, pt := range ProfileTypes {
		if pt == t {
			return true
		}
	}
	return false
}

// Profile is a lead, active loan, portfolio client or team member record.
// Fields change only through ProfileStore.ApplyFieldUpdate.
type Profile struct {
	ID        string                 `json:"id"`
	Type      ProfileType            `json:"profile_type"`
	Fields    map[string]interface{} `json:"fields"`
	Status    string                 `json:"status"`
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// FieldString renders a field value for comparison; missing or nil is "".
func (p *Profile) FieldString(name string) string {
	return ValueString(p.Fields[name])
}

// ValueString renders a loosely typed value as a comparable string.
func ValueString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case int:
		return fmt.Sprintf("%d", x)
	case int64:
		return fmt.Sprintf("%d", x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", x)
	}
}

type UpdateSource string

const (
	SourceParsedEmail UpdateSource = "parsed_email"
	SourceManualEntry UpdateSource = "manual_entry"
	SourceAgentAction UpdateSource = "agent_action"
)

// FieldUpdate is one requested profile mutation.
type FieldUpdate struct {
	Field       string       `json:"field"`
	Value       interface{}  `json:"value"`
	Source      UpdateSource `json:"source"`
	Confidence  float64      `json:"confidence"`
	ReferenceID string       `json:"reference_id,omitempty"`
}

// FieldUpdateHistory is written once per profile field mutation.
type FieldUpdateHistory struct {
	ID          string       `json:"id"`
	ProfileID   string       `json:"profile_id"`
	ProfileType ProfileType  `json:"profile_type"`
	Field       string       `json:"field"`
	OldValue    interface{}  `json:"old_value"`
	NewValue    interface{}  `json:"new_value"`
	Source      UpdateSource `json:"source"`
	Confidence  float64      `json:"confidence"`
	ReferenceID string       `json:"reference_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ── Reconciliation ───────────────────────────────────────────

type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

type ResolutionDecision string

const (
	ResolveAcceptNew   ResolutionDecision = "accept_new"
	ResolveKeepOld     ResolutionDecision = "keep_old"
	ResolveMerge       ResolutionDecision = "merge"
	ResolveManualEntry ResolutionDecision = "manual_entry"
)

// Valid reports whether d is a known resolution decision.
func (d ResolutionDecision) Valid() bool {
	switch d {
	case ResolveAcceptNew, ResolveKeepOld, ResolveMerge, ResolveManualEntry:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// UrgencyFromScore maps a 0–10 urgency score to a label.
func UrgencyFromScore(score float64) Urgency {
	switch {
	case score >= 7:
		return UrgencyHigh
	case score >= 4:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Resolution records how a conflict was settled.
type Resolution struct {
	Decision      ResolutionDecision `json:"decision"`
	ResolvedValue interface{}        `json:"resolved_value,omitempty"`
	ResolvedBy    string             `json:"resolved_by,omitempty"`
	Applied       bool               `json:"applied"`
	ResolvedAt    time.Time          `json:"resolved_at"`
}

// DataConflict is a pending user decision between a current and a proposed value.
type DataConflict struct {
	ID                  string             `json:"id"`
	ProfileID           string             `json:"profile_id"`
	ProfileType         ProfileType        `json:"profile_type"`
	Field               string             `json:"field"`
	CurrentValue        interface{}        `json:"current_value"`
	ProposedValue       interface{}        `json:"proposed_value"`
	Confidence          float64            `json:"confidence"`
	Reasoning           string             `json:"reasoning,omitempty"`
	SuggestedResolution ResolutionDecision `json:"suggested_resolution"`
	Urgency             Urgency            `json:"urgency"`
	EmailID             string             `json:"email_id,omitempty"`
	Status              ConflictStatus     `json:"status"`
	Resolution          *Resolution        `json:"resolution,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

// ConflictFilter narrows the reconciliation queue.
type ConflictFilter struct {
	ProfileType ProfileType
	Urgency     Urgency
	Status      ConflictStatus
	ProfileID   string
	Limit       int
}

// PendingExtraction holds parsed fields that could not be matched or safely
// turned into a new profile.
type PendingExtraction struct {
	ID          string                 `json:"id"`
	EmailID     string                 `json:"email_id"`
	ProfileType ProfileType            `json:"profile_type"`
	Fields      map[string]interface{} `json:"fields"`
	Confidence  map[string]float64     `json:"confidence"`
	Reason      string                 `json:"reason"`
	Urgency     Urgency                `json:"urgency"`
	Status      ConflictStatus         `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
}

// FeedItem is one entry in the reconciliation feed.
type FeedItem struct {
	Kind          string    `json:"kind"`
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Reason        string    `json:"reason"`
	SuggestedNext string    `json:"suggested_next_action"`
	Urgency       Urgency   `json:"urgency"`
	Removed       bool      `json:"removed,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NormalizeIdentity canonicalizes identifying field values so exact matching
// ignores formatting: emails are lower-cased, phones reduced to ten digits and
// loan numbers stripped of '#' and whitespace.
func NormalizeIdentity(field, value string) string {
	v := strings.TrimSpace(value)
	switch field {
	case "email":
		return strings.ToLower(v)
	case "phone":
		var b strings.Builder
		for _, r := range v {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		digits := b.String()
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		return digits
	case "loan_number":
		v = strings.TrimPrefix(v, "#")
		return strings.ToUpper(strings.Join(strings.Fields(v), ""))
	}
	return v
}
