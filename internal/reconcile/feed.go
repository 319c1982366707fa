package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// Feed item kinds.
const (
	KindConflict   = "conflict"
	KindExtraction = "pending_extraction"
	KindInvocation = "invocation"
)

// ConflictItem renders an open conflict as a feed entry.
func ConflictItem(c *models.DataConflict) models.FeedItem {
	reason := c.Reasoning
	if reason == "" {
		reason = fmt.Sprintf("email proposes %q for %s, profile has %q",
			models.ValueString(c.ProposedValue), c.Field, models.ValueString(c.CurrentValue))
	}
	return models.FeedItem{
		Kind:          KindConflict,
		ID:            c.ID,
		Title:         fmt.Sprintf("Conflicting %s on %s %s", c.Field, c.ProfileType, c.ProfileID),
		Reason:        reason,
		SuggestedNext: suggestedForConflict(c),
		Urgency:       c.Urgency,
		CreatedAt:     c.CreatedAt,
	}
}

func suggestedForConflict(c *models.DataConflict) string {
	switch c.SuggestedResolution {
	case models.ResolveAcceptNew:
		return fmt.Sprintf("Accept the new %s from the email", c.Field)
	case models.ResolveKeepOld:
		return fmt.Sprintf("Keep the current %s unless the borrower confirms the change", c.Field)
	case models.ResolveMerge:
		return fmt.Sprintf("Merge both values of %s", c.Field)
	}
	return fmt.Sprintf("Confirm %s with the borrower and enter it manually", c.Field)
}

// PendingItem renders a pending extraction as a feed entry.
func PendingItem(p *models.PendingExtraction) models.FeedItem {
	return models.FeedItem{
		Kind:          KindExtraction,
		ID:            p.ID,
		Title:         fmt.Sprintf("Unmatched %s email %s", p.ProfileType, p.EmailID),
		Reason:        p.Reason,
		SuggestedNext: fmt.Sprintf("Link the email to an existing %s or create the profile manually", p.ProfileType),
		Urgency:       p.Urgency,
		CreatedAt:     p.CreatedAt,
	}
}

// InvocationItem renders a pending or escalated invocation as a feed entry.
func InvocationItem(inv *models.Invocation) models.FeedItem {
	item := models.FeedItem{
		Kind:      KindInvocation,
		ID:        inv.ID,
		Reason:    inv.Reason,
		CreatedAt: inv.CreatedAt,
	}
	what := "a decision"
	if d := inv.Decision; d != nil {
		switch d.Kind {
		case models.DecisionToolCall:
			what = d.ToolName
		case models.DecisionDirectEffect:
			what = "a direct effect"
		}
	}
	if inv.State == models.StateEscalated {
		item.Title = fmt.Sprintf("%s escalated %s on %s:%s", inv.AgentID, what, inv.EntityType, inv.EntityID)
		item.SuggestedNext = "Handle the case manually or retry the invocation"
		item.Urgency = models.UrgencyHigh
	} else {
		item.Title = fmt.Sprintf("%s proposes %s on %s:%s", inv.AgentID, what, inv.EntityType, inv.EntityID)
		item.SuggestedNext = fmt.Sprintf("Approve or reject %s (confidence %.2f, %s)", what, inv.Confidence, inv.AutonomyLevel)
		item.Urgency = models.UrgencyMedium
	}
	if inv.ErrorCode != "" && item.Reason == "" {
		item.Reason = inv.ErrorCode
	}
	return item
}

// Feed merges open conflicts, pending extractions and invocations awaiting a
// human, most urgent first and oldest first within an urgency.
func (s *Service) Feed(ctx context.Context) ([]models.FeedItem, error) {
	var items []models.FeedItem

	conflicts, err := s.store.ListConflicts(ctx, models.ConflictFilter{Status: models.ConflictOpen})
	if err != nil {
		return nil, err
	}
	for i := range conflicts {
		items = append(items, ConflictItem(&conflicts[i]))
	}

	pending, err := s.store.ListPendingExtractions(ctx, models.ConflictOpen)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		items = append(items, PendingItem(&pending[i]))
	}

	for _, state := range []models.InvocationState{models.StatePendingApproval, models.StateEscalated} {
		invs, err := s.invocations.ListInvocations(ctx, models.InvocationFilter{Status: string(state)})
		if err != nil {
			return nil, err
		}
		for i := range invs {
			if invs[i].State == state {
				items = append(items, InvocationItem(&invs[i]))
			}
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if ri, rj := urgencyRank(items[i].Urgency), urgencyRank(items[j].Urgency); ri != rj {
			return ri > rj
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func urgencyRank(u models.Urgency) int {
	switch u {
	case models.UrgencyHigh:
		return 2
	case models.UrgencyMedium:
		return 1
	}
	return 0
}
