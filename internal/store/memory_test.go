package store_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Agent CRUD ──────────────────────────────────────────────

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &models.Agent{
		ID:         "lead-followup",
		Name:       "Lead follow-up",
		Status:     models.AgentStatusActive,
		EventTypes: []models.EventType{models.EventLeadCreated},
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	got, err := s.GetAgent(ctx, "lead-followup")
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if got.Name != "Lead follow-up" {
		t.Errorf("GetAgent().Name = %q, want %q", got.Name, "Lead follow-up")
	}
	if got.Version != 1 {
		t.Errorf("GetAgent().Version = %d, want 1", got.Version)
	}

	if err := s.CreateAgent(ctx, agent); !store.IsDuplicate(err) {
		t.Errorf("CreateAgent() duplicate error = %v, want ErrDuplicate", err)
	}
}

func TestUpdateAgent_Optimistic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateAgent(ctx, &models.Agent{ID: "a1", Status: models.AgentStatusActive})

	a, _ := s.GetAgent(ctx, "a1")
	stale := *a

	a.Status = models.AgentStatusPaused
	if err := s.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("UpdateAgent() error = %v", err)
	}
	if a.Version != 2 {
		t.Errorf("UpdateAgent() version = %d, want 2", a.Version)
	}

	stale.Status = models.AgentStatusRetired
	if err := s.UpdateAgent(ctx, &stale); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("UpdateAgent(stale) error = %v, want ErrVersionConflict", err)
	}
}

func TestListAgents_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateAgent(ctx, &models.Agent{ID: "a1", Status: models.AgentStatusActive, EventTypes: []models.EventType{models.EventLeadCreated}})
	s.CreateAgent(ctx, &models.Agent{ID: "a2", Status: models.AgentStatusPaused, EventTypes: []models.EventType{models.EventLeadCreated}})
	s.CreateAgent(ctx, &models.Agent{ID: "a3", Status: models.AgentStatusActive, EventTypes: []models.EventType{models.EventDocUploaded}})

	got, err := s.ListAgents(ctx, models.AgentFilter{Status: models.AgentStatusActive, EventType: models.EventLeadCreated})
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("ListAgents() = %+v, want only a1", got)
	}
}

// ─── Tools ───────────────────────────────────────────────────

func TestToolVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTool(ctx, &models.Tool{Name: "sendSMS", Version: 1}); err != nil {
		t.Fatalf("CreateTool() error = %v", err)
	}
	if err := s.CreateTool(ctx, &models.Tool{Name: "sendSMS", Version: 2}); err != nil {
		t.Fatalf("CreateTool() v2 error = %v", err)
	}
	if err := s.CreateTool(ctx, &models.Tool{Name: "sendSMS", Version: 1}); !store.IsDuplicate(err) {
		t.Errorf("CreateTool() same version error = %v, want ErrDuplicate", err)
	}

	got, err := s.GetTool(ctx, "sendSMS")
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("GetTool().Version = %d, want 2", got.Version)
	}

	tools, _ := s.ListTools(ctx)
	if len(tools) != 1 {
		t.Errorf("ListTools() returned %d, want 1 (latest version only)", len(tools))
	}
}

// ─── Events & invocations ────────────────────────────────────

func TestCreateEvent_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &models.Event{ID: "ev-1", Type: models.EventLeadCreated, EntityType: "lead", EntityID: "42"}
	if err := s.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if err := s.CreateEvent(ctx, ev); !store.IsDuplicate(err) {
		t.Errorf("CreateEvent() second call error = %v, want ErrDuplicate", err)
	}
}

func TestUpdateInvocation_TerminalIsFrozen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv := &models.Invocation{ID: "inv-1", AgentID: "a1", State: models.StateCreated, CreatedAt: time.Now()}
	if err := s.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("CreateInvocation() error = %v", err)
	}

	inv.State = models.StateSuccess
	inv.Outcome = models.OutcomeSuccess
	if err := s.UpdateInvocation(ctx, inv); err != nil {
		t.Fatalf("UpdateInvocation() error = %v", err)
	}

	inv.State = models.StateFailure
	err := s.UpdateInvocation(ctx, inv)
	var imm *store.ErrImmutable
	if !errors.As(err, &imm) {
		t.Errorf("UpdateInvocation(terminal) error = %v, want ErrImmutable", err)
	}

	// Outcome annotations on a terminal row are still allowed.
	inv.State = models.StateSuccess
	inv.CustomerResponse = "replied"
	inv.Impact = 0.7
	done := time.Now().UTC()
	inv.CompletedAt = &done
	if err := s.UpdateInvocation(ctx, inv); err != nil {
		t.Fatalf("UpdateInvocation(annotation) error = %v", err)
	}

	frozen := map[string]func(*models.Invocation){
		"agent_id":       func(i *models.Invocation) { i.AgentID = "other" },
		"event_id":       func(i *models.Invocation) { i.EventID = "e2" },
		"confidence":     func(i *models.Invocation) { i.Confidence = 0.1 },
		"autonomy_level": func(i *models.Invocation) { i.AutonomyLevel = models.AutonomyFull },
		"reason":         func(i *models.Invocation) { i.Reason = "rewritten" },
		"tool_call_ids":  func(i *models.Invocation) { i.ToolCallIDs = append(i.ToolCallIDs, "tc-9") },
	}
	for field, mutate := range frozen {
		cur, err := s.GetInvocation(ctx, "inv-1")
		if err != nil {
			t.Fatalf("GetInvocation() error = %v", err)
		}
		mutate(cur)
		if err := s.UpdateInvocation(ctx, cur); !errors.As(err, &imm) {
			t.Errorf("UpdateInvocation(%s) error = %v, want ErrImmutable", field, err)
		}
	}

	got, err := s.GetInvocation(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetInvocation() error = %v", err)
	}
	if got.AgentID != "a1" || got.EventID != "" || got.Confidence != 0 || got.CustomerResponse != "replied" || got.Impact != 0.7 {
		t.Errorf("terminal invocation = %+v", got)
	}
}

func TestFinishToolCall_Once(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	call := &models.ToolCall{ID: "tc-1", InvocationID: "inv-1", ToolName: "getLeadById", Status: models.ToolCallStarted, StartedAt: time.Now()}
	s.CreateToolCall(ctx, call)

	now := time.Now()
	call.Status = models.ToolCallSucceeded
	call.FinishedAt = &now
	if err := s.FinishToolCall(ctx, call); err != nil {
		t.Fatalf("FinishToolCall() error = %v", err)
	}
	if err := s.FinishToolCall(ctx, call); err == nil {
		t.Error("FinishToolCall() second call expected error, got nil")
	}

	calls, _ := s.ListToolCalls(ctx, "inv-1")
	if len(calls) != 1 || calls[0].Status != models.ToolCallSucceeded {
		t.Errorf("ListToolCalls() = %+v", calls)
	}
}

// ─── Ledger ──────────────────────────────────────────────────

func TestLedger_AppendOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &models.ActionRecord{ID: "act-1", InvocationID: "inv-1", AgentID: "a1", Outcome: models.OutcomeSuccess, CreatedAt: time.Now()}
	if err := s.AppendAction(ctx, rec); err != nil {
		t.Fatalf("AppendAction() error = %v", err)
	}
	dup := &models.ActionRecord{ID: "act-2", InvocationID: "inv-1", AgentID: "a1"}
	if err := s.AppendAction(ctx, dup); !store.IsDuplicate(err) {
		t.Errorf("AppendAction(same invocation) error = %v, want ErrDuplicate", err)
	}

	resp := "booked a call"
	impact := 0.8
	got, err := s.UpdateActionOutcome(ctx, "act-1", models.OutcomeUpdate{CustomerResponse: &resp, Impact: &impact})
	if err != nil {
		t.Fatalf("UpdateActionOutcome() error = %v", err)
	}
	if got.CustomerResponse != resp || got.Impact != impact || got.Outcome != models.OutcomeSuccess {
		t.Errorf("UpdateActionOutcome() = %+v", got)
	}

	byInv, err := s.GetActionByInvocation(ctx, "inv-1")
	if err != nil || byInv.ID != "act-1" {
		t.Errorf("GetActionByInvocation() = %v, %v", byInv, err)
	}
}

// ─── Experiments ─────────────────────────────────────────────

func TestInsertAssignmentIfAbsent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	inserted := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := "control"
			if i%2 == 1 {
				v = "challenger"
			}
			_, ok, err := s.InsertAssignmentIfAbsent(ctx, &models.Assignment{ExperimentID: "exp-1", SubjectID: "lead:42", VariantID: v})
			if err != nil {
				t.Errorf("InsertAssignmentIfAbsent() error = %v", err)
			}
			inserted <- ok
		}(i)
	}
	wg.Wait()
	close(inserted)

	wins := 0
	for ok := range inserted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("InsertAssignmentIfAbsent() inserted %d rows, want 1", wins)
	}
	counts, _ := s.CountAssignments(ctx, "exp-1")
	if counts["control"]+counts["challenger"] != 1 {
		t.Errorf("CountAssignments() = %v, want one assignment", counts)
	}
}

func TestExperimentNameUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateExperiment(ctx, &models.Experiment{ID: "e1", Name: "welcome-sms"}); err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}
	if err := s.CreateExperiment(ctx, &models.Experiment{ID: "e2", Name: "welcome-sms"}); !store.IsDuplicate(err) {
		t.Errorf("CreateExperiment(same name) error = %v, want ErrDuplicate", err)
	}
	got, err := s.GetExperimentByName(ctx, "welcome-sms")
	if err != nil || got.ID != "e1" {
		t.Errorf("GetExperimentByName() = %v, %v", got, err)
	}
}

// ─── Profiles ────────────────────────────────────────────────

func TestApplyFieldUpdate_WritesOneHistoryRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.Profile{ID: "p1", Type: models.ProfileActiveLoan, Fields: map[string]interface{}{"loan_number": "LN-100"}}
	if err := s.CreateProfile(ctx, p); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}

	got, hist, err := s.ApplyFieldUpdate(ctx, "p1", 1, models.FieldUpdate{
		Field: "appraisal_value", Value: 410000.0, Source: models.SourceParsedEmail, Confidence: 92,
	})
	if err != nil {
		t.Fatalf("ApplyFieldUpdate() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("ApplyFieldUpdate() version = %d, want 2", got.Version)
	}
	if hist.OldValue != nil || hist.NewValue != 410000.0 {
		t.Errorf("history = %+v", hist)
	}

	if _, _, err := s.ApplyFieldUpdate(ctx, "p1", 1, models.FieldUpdate{Field: "x", Value: "y"}); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("ApplyFieldUpdate(stale) error = %v, want ErrVersionConflict", err)
	}

	rows, _ := s.ListFieldHistory(ctx, "p1")
	if len(rows) != 1 {
		t.Errorf("ListFieldHistory() returned %d rows, want 1", len(rows))
	}
}

func TestApplyFieldUpdate_Status(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateProfile(ctx, &models.Profile{ID: "p1", Type: models.ProfileLead, Status: "active"})
	got, hist, err := s.ApplyFieldUpdate(ctx, "p1", 1, models.FieldUpdate{Field: "status", Value: "archived", Source: models.SourceAgentAction})
	if err != nil {
		t.Fatalf("ApplyFieldUpdate() error = %v", err)
	}
	if got.Status != "archived" {
		t.Errorf("Status = %q, want archived", got.Status)
	}
	if hist.OldValue != "active" {
		t.Errorf("history OldValue = %v, want active", hist.OldValue)
	}
}

func TestFindProfiles_Normalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateProfile(ctx, &models.Profile{ID: "p1", Type: models.ProfileLead, Fields: map[string]interface{}{
		"email": "Jane.Doe@Example.com",
		"phone": "(555) 123-4567",
	}})

	got, _ := s.FindProfiles(ctx, models.ProfileLead, "email", "jane.doe@example.com")
	if len(got) != 1 {
		t.Errorf("FindProfiles(email) returned %d, want 1", len(got))
	}
	got, _ = s.FindProfiles(ctx, "", "phone", "+1 555.123.4567")
	if len(got) != 1 {
		t.Errorf("FindProfiles(phone) returned %d, want 1", len(got))
	}
	got, _ = s.FindProfiles(ctx, models.ProfileActiveLoan, "email", "jane.doe@example.com")
	if len(got) != 0 {
		t.Errorf("FindProfiles(wrong type) returned %d, want 0", len(got))
	}
}

// ─── Emails ──────────────────────────────────────────────────

func TestEmailRawBodyKept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateEmail(ctx, &models.EmailInteraction{ID: "em-1", RawEmail: "Subject: hi\r\n\r\nbody", SyncStatus: models.SyncPending})
	e, _ := s.GetEmail(ctx, "em-1")
	e.SyncStatus = models.SyncApplied
	e.RawEmail = ""
	if err := s.UpdateEmail(ctx, e); err != nil {
		t.Fatalf("UpdateEmail() error = %v", err)
	}
	got, _ := s.GetEmail(ctx, "em-1")
	if got.RawEmail == "" {
		t.Error("UpdateEmail() dropped the raw email")
	}
	if got.SyncStatus != models.SyncApplied {
		t.Errorf("SyncStatus = %q, want applied", got.SyncStatus)
	}
}

// ─── Close / Snapshot ───────────────────────────────────────

func TestCloseFlush(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("LOANPILOT_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOANPILOT_DATA_DIR")

	ctx := context.Background()
	s.CreateAgent(ctx, &models.Agent{ID: "persist-me", Status: models.AgentStatusActive})
	s.InsertAssignmentIfAbsent(ctx, &models.Assignment{ExperimentID: "e1", SubjectID: "lead:1", VariantID: "control"})

	// Close should flush to disk
	s.Close()

	// Reopen and verify data survived
	s2 := store.NewMemoryStoreAt(dir)
	defer s2.Close()

	got, err := s2.GetAgent(ctx, "persist-me")
	if err != nil {
		t.Fatalf("After reopen, GetAgent() error = %v", err)
	}
	if got.Status != models.AgentStatusActive {
		t.Errorf("After reopen, agent status = %q, want active", got.Status)
	}
	a, err := s2.GetAssignment(ctx, "e1", "lead:1")
	if err != nil || a.VariantID != "control" {
		t.Errorf("After reopen, GetAssignment() = %v, %v", a, err)
	}
}
