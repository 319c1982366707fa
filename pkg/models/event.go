package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type EventType string

const (
	EventLeadCreated         EventType = "LeadCreated"
	EventLoanStageChanged    EventType = "LoanStageChanged"
	EventDocUploaded         EventType = "DocUploaded"
	EventEmailReceived       EventType = "EmailReceived"
	EventDeadlineApproaching EventType = "DeadlineApproaching"
	EventRateLockExpiring    EventType = "RateLockExpiring"
	EventManualRequest       EventType = "ManualRequest"
)

// EventTypes is the closed event vocabulary.
var EventTypes = []EventType{
	EventLeadCreated,
	EventLoanStageChanged,
	EventDocUploaded,
	EventEmailReceived,
	EventDeadlineApproaching,
	EventRateLockExpiring,
	EventManualRequest,
}

// Valid reports whether t belongs to the event vocabulary.
func (t EventType) Valid() bool {
	for _, et := range EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Event is an immutable domain event.
type Event struct {
	ID         string                 `json:"event_id"`
	Type       EventType              `json:"event_type"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	// Subscribers is the agent set resolved at first publish. The bus
	// overwrites it and uses it to finish an interrupted dispatch.
	Subscribers []string `json:"subscribers,omitempty"`
}

// UnmarshalJSON accepts entity_id as a string or a number, and takes the
// entity reference from the payload when the top-level fields are absent,
// so {"event_type":"LeadCreated","payload":{"entity_type":"lead","entity_id":42}}
// decodes to entity lead:42.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var raw struct {
		plain
		EntityID json.RawMessage `json:"entity_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := entityRef(raw.EntityID)
	if err != nil {
		return err
	}
	*e = Event(raw.plain)
	e.EntityID = id

	if e.EntityType == "" {
		if v, ok := e.Payload["entity_type"].(string); ok {
			e.EntityType = v
		}
	}
	if e.EntityID == "" {
		switch v := e.Payload["entity_id"].(type) {
		case string:
			e.EntityID = v
		case float64:
			e.EntityID = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return nil
}

func entityRef(msg json.RawMessage) (string, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
		return "", nil
	}
	if msg[0] == '"' {
		var s string
		err := json.Unmarshal(msg, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(msg, &n); err != nil {
		return "", fmt.Errorf("entity_id must be a string or a number: %w", err)
	}
	return n.String(), nil
}

// EntityKey identifies the subject entity, e.g. "lead:42".
func (e *Event) EntityKey() string {
	return e.EntityType + ":" + e.EntityID
}

// Subject is the caller identity used for experiment assignment.
func (e *Event) Subject() string {
	if e.ActorID != "" {
		return e.ActorID
	}
	return e.EntityKey()
}

// PublishResult is returned by the bus for every accepted or duplicate publish.
type PublishResult struct {
	EventID          string   `json:"event_id"`
	Accepted         bool     `json:"accepted"`
	Duplicate        bool     `json:"duplicate,omitempty"`
	DispatchedAgents []string `json:"dispatched_agents"`
}
