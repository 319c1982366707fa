// Package ledger is the append-only Action Ledger: one row per terminal
// invocation, cached daily rollups and the health score derived from them.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

const dateLayout = "2006-01-02"

// Ledger writes and aggregates action rows.
type Ledger struct {
	store       store.LedgerStore
	invocations store.InvocationStore
	metrics     *metrics.Metrics
	now         func() time.Time

	mu   sync.Mutex
	last time.Time

	dmu   sync.Mutex
	dirty map[string]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics publishes health scores as gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over s. invocations may be nil when outcome updates
// need not be mirrored onto invocations.
func New(s store.LedgerStore, invocations store.InvocationStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:       s,
		invocations: invocations,
		now:         time.Now,
		dirty:       make(map[string]bool),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record appends the row for a terminal invocation. Recording the same
// invocation twice returns the existing row.
func (l *Ledger) Record(ctx context.Context, inv *models.Invocation, actionType string) (*models.ActionRecord, error) {
	if existing, err := l.store.GetActionByInvocation(ctx, inv.ID); err == nil {
		return existing, nil
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	rec := &models.ActionRecord{
		ID:              uuid.NewString(),
		InvocationID:    inv.ID,
		AgentID:         inv.AgentID,
		ActionType:      actionType,
		EntityType:      inv.EntityType,
		EntityID:        inv.EntityID,
		EventID:         inv.EventID,
		AutonomyLevel:   inv.AutonomyLevel,
		Confidence:      inv.Confidence,
		Outcome:         inv.Outcome,
		Reasoning:       reasoning(inv),
		Impact:          inv.Impact,
		ApprovalStatus:  inv.ApprovalStatus,
		PromptVersionID: inv.PromptVersionID,
		VariantID:       inv.VariantID,
		ErrorCode:       inv.ErrorCode,
		CompletedAt:     inv.CompletedAt,
	}

	l.mu.Lock()
	rec.CreatedAt = l.tick()
	err := l.store.AppendAction(ctx, rec)
	l.mu.Unlock()
	if store.IsDuplicate(err) {
		return l.store.GetActionByInvocation(ctx, inv.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("append action for %s: %w", inv.ID, err)
	}

	l.markDirty(rec.CreatedAt, rec.AgentID)
	log.Debug().
		Str("action", rec.ID).
		Str("invocation", inv.ID).
		Str("type", actionType).
		Str("outcome", string(rec.Outcome)).
		Msg("Action recorded")
	return rec, nil
}

// tick returns a created_at strictly after every previous one. Callers hold mu.
func (l *Ledger) tick() time.Time {
	t := l.now().UTC()
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	l.last = t
	return t
}

func reasoning(inv *models.Invocation) string {
	if d := inv.Decision; d != nil {
		switch {
		case d.Summary != "" && inv.Reason != "" && d.Summary != inv.Reason:
			return d.Summary + " | " + inv.Reason
		case d.Summary != "":
			return d.Summary
		case d.Reason != "":
			return d.Reason
		}
	}
	return inv.Reason
}

// Get returns one row.
func (l *Ledger) Get(ctx context.Context, id string) (*models.ActionRecord, error) {
	rec, err := l.store.GetAction(ctx, id)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	return rec, err
}

// List returns rows matching filter in created_at order.
func (l *Ledger) List(ctx context.Context, filter models.ActionFilter) ([]models.ActionRecord, error) {
	return l.store.ListActions(ctx, filter)
}

// UpdateOutcome changes the mutable fields of a row.
func (l *Ledger) UpdateOutcome(ctx context.Context, actionID string, u models.OutcomeUpdate) (*models.ActionRecord, error) {
	if u.Outcome != nil && (!u.Outcome.Valid() || *u.Outcome == models.OutcomePending) {
		return nil, models.NewError(models.KindValidation, "", "outcome %q cannot be recorded on a completed action", *u.Outcome)
	}
	if u.Impact != nil && (*u.Impact < 0 || *u.Impact > 1) {
		return nil, models.NewError(models.KindValidation, "", "impact must be in [0,1]")
	}
	rec, err := l.store.UpdateActionOutcome(ctx, actionID, u)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	if err != nil {
		return nil, err
	}
	l.markDirty(rec.CreatedAt, rec.AgentID)
	return rec, nil
}

// UpdateOutcomeForInvocation updates the row of an invocation and mirrors the
// change onto the invocation itself.
func (l *Ledger) UpdateOutcomeForInvocation(ctx context.Context, invocationID string, u models.OutcomeUpdate) (*models.ActionRecord, error) {
	existing, err := l.store.GetActionByInvocation(ctx, invocationID)
	if store.IsNotFound(err) {
		return nil, models.NewError(models.KindNotFound, "", "no ledger row for invocation %s", invocationID)
	}
	if err != nil {
		return nil, err
	}
	rec, err := l.UpdateOutcome(ctx, existing.ID, u)
	if err != nil {
		return nil, err
	}
	if l.invocations != nil {
		l.mirror(ctx, invocationID, rec)
	}
	return rec, nil
}

func (l *Ledger) mirror(ctx context.Context, invocationID string, rec *models.ActionRecord) {
	for attempt := 0; attempt < 3; attempt++ {
		inv, err := l.invocations.GetInvocation(ctx, invocationID)
		if err != nil {
			log.Warn().Err(err).Str("invocation", invocationID).Msg("Outcome update not mirrored")
			return
		}
		inv.Outcome = rec.Outcome
		inv.CustomerResponse = rec.CustomerResponse
		inv.Impact = rec.Impact
		inv.UpdatedAt = l.now().UTC()
		err = l.invocations.UpdateInvocation(ctx, inv)
		if err == store.ErrVersionConflict {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("invocation", invocationID).Msg("Outcome update not mirrored")
		}
		return
	}
}

// ── Rollups ──────────────────────────────────────────────────

func rollupKey(date, agentID string) string { return date + "|" + agentID }

func (l *Ledger) markDirty(t time.Time, agentID string) {
	date := t.UTC().Format(dateLayout)
	l.dmu.Lock()
	l.dirty[rollupKey(date, agentID)] = true
	l.dirty[rollupKey(date, "")] = true
	l.dmu.Unlock()
}

// DailyRollup aggregates one UTC day, for one agent or all when agentID is
// empty. Cached rollups are recomputed only after a write touches their day.
func (l *Ledger) DailyRollup(ctx context.Context, date, agentID string) (*models.DailyRollup, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, models.NewError(models.KindValidation, "", "date must be YYYY-MM-DD")
	}
	k := rollupKey(date, agentID)

	l.dmu.Lock()
	dirty := l.dirty[k]
	delete(l.dirty, k)
	l.dmu.Unlock()

	today := l.now().UTC().Format(dateLayout)
	if !dirty && date != today {
		if r, err := l.store.GetRollup(ctx, date, agentID); err == nil {
			return r, nil
		} else if !store.IsNotFound(err) {
			return nil, err
		}
	}

	until := day.Add(24 * time.Hour)
	rows, err := l.store.ListActions(ctx, models.ActionFilter{AgentID: agentID, Since: &day, Until: &until})
	if err != nil {
		l.dmu.Lock()
		if dirty {
			l.dirty[k] = true
		}
		l.dmu.Unlock()
		return nil, err
	}
	r := &models.DailyRollup{Date: date, AgentID: agentID, RefreshedAt: l.now().UTC()}
	for i := range rows {
		accumulate(r, &rows[i])
	}
	if err := l.store.PutRollup(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func accumulate(r *models.DailyRollup, a *models.ActionRecord) {
	r.Total++
	if a.AutonomyLevel == models.AutonomyFull {
		r.Full++
	}
	switch a.ApprovalStatus {
	case models.ApprovalApproved:
		r.Approved++
	case models.ApprovalRejected:
		r.Rejected++
	}
	switch a.Outcome {
	case models.OutcomeSuccess:
		r.Success++
	case models.OutcomeFailure:
		r.Failure++
	case models.OutcomeEscalated:
		r.Escalated++
	case models.OutcomeCancelled:
		r.Cancelled++
	}
	r.SumConfidence += a.Confidence
	r.SumImpact += a.Impact
}
