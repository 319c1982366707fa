package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/internal/guardrails"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Sender delivers outbound messages. Implemented by notify.Service.
type Sender interface {
	Send(ctx context.Context, msg contracts.Message) (string, error)
}

// Builtins are the Go handlers shipped with the orchestrator.
type Builtins struct {
	Profiles *crm.Service
	Tasks    store.TaskStore
	Sender   Sender
	// Guard checks outbound messages before they are sent. Nil sends unchecked.
	Guard *guardrails.Checker
}

// BindBuiltins binds every built-in handler under its tool name.
func BindBuiltins(r *Registry, b Builtins) {
	r.Bind("getLeadById", contracts.ToolHandlerFunc(b.getLeadByID))
	r.Bind("getLoanByNumber", contracts.ToolHandlerFunc(b.getLoanByNumber))
	r.Bind("searchProfiles", contracts.ToolHandlerFunc(b.searchProfiles))
	r.Bind("getProfileHistory", contracts.ToolHandlerFunc(b.getProfileHistory))
	r.Bind("updateProfileField", contracts.ToolHandlerFunc(b.updateProfileField))
	r.Bind("createTask", contracts.ToolHandlerFunc(b.createTask))
	r.Bind("sendSMS", contracts.ToolHandlerFunc(b.sendSMS))
	r.Bind("sendEmail", contracts.ToolHandlerFunc(b.sendEmail))
	r.Bind("archiveProfile", contracts.ToolHandlerFunc(b.archiveProfile))
}

// ── read_only ────────────────────────────────────────────────

func (b Builtins) getLeadByID(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	id := str(req.Arguments, "lead_id")
	p, err := b.Profiles.Get(ctx, id)
	if store.IsNotFound(err) || (err == nil && p.Type != models.ProfileLead) {
		return marshal(map[string]interface{}{"found": false, "lead_id": id})
	}
	if err != nil {
		return nil, err
	}
	return marshal(map[string]interface{}{"found": true, "profile": p})
}

func (b Builtins) getLoanByNumber(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	num := str(req.Arguments, "loan_number")
	found, err := b.Profiles.Search(ctx, models.ProfileActiveLoan, "loan_number", num)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return marshal(map[string]interface{}{"found": false, "loan_number": num})
	}
	return marshal(map[string]interface{}{"found": true, "profile": found[0]})
}

func (b Builtins) searchProfiles(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	pt := models.ProfileType(str(req.Arguments, "profile_type"))
	found, err := b.Profiles.Search(ctx, pt, str(req.Arguments, "field"), str(req.Arguments, "value"))
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []models.Profile{}
	}
	return marshal(map[string]interface{}{"count": len(found), "profiles": found})
}

func (b Builtins) getProfileHistory(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	id := str(req.Arguments, "profile_id")
	if _, err := b.Profiles.Get(ctx, id); err != nil {
		if store.IsNotFound(err) {
			return nil, models.WrapError(models.KindNotFound, "", err)
		}
		return nil, err
	}
	hist, err := b.Profiles.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if hist == nil {
		hist = []models.FieldUpdateHistory{}
	}
	return marshal(map[string]interface{}{"profile_id": id, "history": hist})
}

// ── writes_crm ───────────────────────────────────────────────

func (b Builtins) updateProfileField(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	id := str(req.Arguments, "profile_id")
	p, h, err := b.Profiles.SetField(ctx, id, models.FieldUpdate{
		Field:       str(req.Arguments, "field"),
		Value:       req.Arguments["value"],
		Source:      models.SourceAgentAction,
		Confidence:  req.Confidence * 100,
		ReferenceID: req.InvocationID,
	}, nil)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	if err != nil {
		return nil, err
	}
	return marshal(map[string]interface{}{"profile_id": p.ID, "version": p.Version, "history_id": h.ID})
}

func (b Builtins) createTask(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	entityType, entityID := str(req.Arguments, "entity_type"), str(req.Arguments, "entity_id")
	if entityType == "" {
		entityType, entityID = req.EntityType, req.EntityID
	}
	task := &models.Task{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Title:      str(req.Arguments, "title"),
		DueDate:    str(req.Arguments, "due_date"),
		Status:     "open",
		CreatedBy:  req.InvocationID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := b.Tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return marshal(map[string]interface{}{"task_id": task.ID, "status": task.Status})
}

// ── sends_external ───────────────────────────────────────────

func (b Builtins) sendSMS(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	return b.send(ctx, req, contracts.Message{
		Channel: "sms",
		To:      str(req.Arguments, "to"),
		Body:    str(req.Arguments, "body"),
	})
}

func (b Builtins) sendEmail(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	return b.send(ctx, req, contracts.Message{
		Channel: "email",
		To:      str(req.Arguments, "to"),
		Subject: str(req.Arguments, "subject"),
		Body:    str(req.Arguments, "body"),
	})
}

func (b Builtins) send(ctx context.Context, req contracts.ToolRequest, msg contracts.Message) (json.RawMessage, error) {
	if b.Sender == nil {
		return nil, fmt.Errorf("no notification sender configured")
	}
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n" + msg.Body
	}
	if err := b.Guard.Enforce(guardrails.StageOutbound, msg.Channel, text); err != nil {
		return nil, err
	}
	msg.InvocationID = req.InvocationID
	msg.Metadata = map[string]string{"entity": req.EntityType + ":" + req.EntityID}
	id, err := b.Sender.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	return marshal(map[string]interface{}{"message_id": id, "channel": msg.Channel, "status": "sent"})
}

// ── irreversible ─────────────────────────────────────────────

func (b Builtins) archiveProfile(ctx context.Context, req contracts.ToolRequest) (json.RawMessage, error) {
	id := str(req.Arguments, "profile_id")
	p, err := b.Profiles.Archive(ctx, id, models.SourceAgentAction, req.InvocationID)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	if err != nil {
		return nil, err
	}
	return marshal(map[string]interface{}{"profile_id": p.ID, "status": p.Status})
}

// ── helpers ──────────────────────────────────────────────────

func str(args map[string]interface{}, k string) string {
	return models.ValueString(args[k])
}

func marshal(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
