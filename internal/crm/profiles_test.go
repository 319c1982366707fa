package crm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { _ = s.Close() })
	return NewService(s), s
}

func TestCreate_WritesHistoryPerField(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, models.ProfileActiveLoan, map[string]interface{}{
		"loan_number":   "12345",
		"borrower_name": "Jane Doe",
	}, models.SourceManualEntry, 100, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.FieldString("loan_number") != "12345" {
		t.Errorf("loan_number = %q", p.FieldString("loan_number"))
	}
	hist, _ := svc.History(ctx, p.ID)
	if len(hist) != 2 {
		t.Errorf("history rows = %d, want 2", len(hist))
	}
}

func TestCreate_RejectsUnknownType(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Create(context.Background(), "vendor", nil, models.SourceManualEntry, 100, ""); models.KindOf(err) != models.KindValidation {
		t.Errorf("Create() error = %v, want ValidationFailure", err)
	}
}

func TestMatch_Priority(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	byEmail, _ := svc.Create(ctx, models.ProfileLead, map[string]interface{}{"email": "jane@example.com"}, models.SourceManualEntry, 100, "")
	_, _ = svc.Create(ctx, models.ProfileLead, map[string]interface{}{"phone": "(555) 123-4567"}, models.SourceManualEntry, 100, "")

	got, mt, err := svc.Match(ctx, models.ProfileLead, map[string]string{"email": "JANE@example.com", "phone": "555-123-4567"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if mt != models.MatchEmail || got.ID != byEmail.ID {
		t.Errorf("Match() = %v via %s, want email match", got, mt)
	}

	_, mt, _ = svc.Match(ctx, models.ProfileLead, map[string]string{"phone": "+1 555 123 4567"})
	if mt != models.MatchPhone {
		t.Errorf("Match(phone) type = %s, want phone", mt)
	}

	got, mt, _ = svc.Match(ctx, models.ProfileLead, map[string]string{"email": "nobody@example.com"})
	if got != nil || mt != models.MatchNone {
		t.Errorf("Match(unknown) = %v, %s", got, mt)
	}
}

func TestSetIfEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, _ := svc.Create(ctx, models.ProfileActiveLoan, map[string]interface{}{"clear_to_close_date": "2025-02-15"}, models.SourceManualEntry, 100, "")

	_, _, err := svc.SetIfEmpty(ctx, p.ID, models.FieldUpdate{Field: "clear_to_close_date", Value: "2025-03-01", Source: models.SourceParsedEmail, Confidence: 95})
	var occupied *FieldOccupiedError
	if !errors.As(err, &occupied) {
		t.Fatalf("SetIfEmpty() error = %v, want *FieldOccupiedError", err)
	}
	if occupied.Current != "2025-02-15" {
		t.Errorf("Current = %v", occupied.Current)
	}

	_, h, err := svc.SetIfEmpty(ctx, p.ID, models.FieldUpdate{Field: "appraisal_date", Value: "2025-02-20", Source: models.SourceParsedEmail, Confidence: 90})
	if err != nil {
		t.Fatalf("SetIfEmpty(empty) error = %v", err)
	}
	if h.Source != models.SourceParsedEmail || h.OldValue != nil {
		t.Errorf("history = %+v", h)
	}
}

func TestSetField_ConcurrentWritersAllLand(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, _ := svc.Create(ctx, models.ProfileLead, nil, models.SourceManualEntry, 100, "")

	fields := []string{"a", "b", "c"}
	var wg sync.WaitGroup
	errs := make(chan error, len(fields))
	for _, f := range fields {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			_, _, err := svc.SetField(ctx, p.ID, models.FieldUpdate{Field: f, Value: f, Source: models.SourceAgentAction}, nil)
			errs <- err
		}(f)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("SetField() error = %v", err)
		}
	}
	hist, _ := svc.History(ctx, p.ID)
	if len(hist) != len(fields) {
		t.Errorf("history rows = %d, want %d", len(hist), len(fields))
	}
}

func TestArchive_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, _ := svc.Create(ctx, models.ProfileMUMClient, nil, models.SourceManualEntry, 100, "")

	for i := 0; i < 2; i++ {
		got, err := svc.Archive(ctx, p.ID, models.SourceAgentAction, "inv-1")
		if err != nil {
			t.Fatalf("Archive() error = %v", err)
		}
		if got.Status != StatusArchived {
			t.Errorf("Status = %q", got.Status)
		}
	}
	hist, _ := svc.History(ctx, p.ID)
	if len(hist) != 1 {
		t.Errorf("history rows = %d, want 1", len(hist))
	}
}
