// Package reconcile owns the human side of the orchestrator: the queue of
// DataConflicts and pending extractions produced by the email pipeline, their
// resolution into profile writes, and the feed that merges them with
// invocations awaiting a reviewer.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/internal/keylock"
	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Service manages conflicts and pending extractions.
type Service struct {
	store       store.ReconciliationStore
	invocations store.InvocationStore
	profiles    *crm.Service
	feed        contracts.FeedPublisher
	metrics     *metrics.Metrics
	locks       *keylock.Locker
}

// NewService creates a reconciliation service. feed and m may be nil.
func NewService(s store.ReconciliationStore, invocations store.InvocationStore, profiles *crm.Service, feed contracts.FeedPublisher, m *metrics.Metrics) *Service {
	return &Service{
		store:       s,
		invocations: invocations,
		profiles:    profiles,
		feed:        feed,
		metrics:     m,
		locks:       keylock.New(),
	}
}

// QueueConflict stores a new open conflict and announces it on the feed.
func (s *Service) QueueConflict(ctx context.Context, c *models.DataConflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.ConflictOpen
	}
	if c.Urgency == "" {
		c.Urgency = models.UrgencyMedium
	}
	if c.SuggestedResolution == "" {
		c.SuggestedResolution = suggest(c)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreateConflict(ctx, c); err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	s.publish(ConflictItem(c))
	log.Info().
		Str("conflict", c.ID).
		Str("profile", c.ProfileID).
		Str("field", c.Field).
		Str("urgency", string(c.Urgency)).
		Msg("Data conflict queued")
	return nil
}

// QueuePending stores parsed fields that could not be matched to a profile.
func (s *Service) QueuePending(ctx context.Context, p *models.PendingExtraction) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.ConflictOpen
	}
	if p.Urgency == "" {
		p.Urgency = models.UrgencyMedium
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreatePendingExtraction(ctx, p); err != nil {
		return fmt.Errorf("create pending extraction: %w", err)
	}
	s.publish(PendingItem(p))
	return nil
}

// ListConflicts returns conflicts matching filter, most urgent first.
func (s *Service) ListConflicts(ctx context.Context, filter models.ConflictFilter) ([]models.DataConflict, error) {
	out, err := s.store.ListConflicts(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := urgencyRank(out[i].Urgency), urgencyRank(out[j].Urgency); ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListPending returns open pending extractions.
func (s *Service) ListPending(ctx context.Context) ([]models.PendingExtraction, error) {
	return s.store.ListPendingExtractions(ctx, models.ConflictOpen)
}

// ResolveRequest settles one conflict.
type ResolveRequest struct {
	Decision      models.ResolutionDecision `json:"decision"`
	ResolvedValue interface{}               `json:"resolved_value,omitempty"`
	ResolvedBy    string                    `json:"resolved_by,omitempty"`
}

// Resolve applies a decision to a conflict. Resolving an already resolved
// conflict returns the stored resolution unchanged.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*models.DataConflict, error) {
	if !req.Decision.Valid() {
		return nil, models.NewError(models.KindValidation, "", "unknown decision %q", req.Decision)
	}
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.GetConflict(ctx, id)
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	if err != nil {
		return nil, err
	}
	if c.Status == models.ConflictResolved {
		return c, nil
	}

	value, apply, err := resolvedValue(c, req)
	if err != nil {
		return nil, err
	}
	if apply {
		_, _, err := s.profiles.SetField(ctx, c.ProfileID, models.FieldUpdate{
			Field:       c.Field,
			Value:       value,
			Source:      models.SourceManualEntry,
			Confidence:  100,
			ReferenceID: c.ID,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("apply resolution for %s: %w", c.ID, err)
		}
	}

	c.Status = models.ConflictResolved
	c.Resolution = &models.Resolution{
		Decision:      req.Decision,
		ResolvedValue: value,
		ResolvedBy:    req.ResolvedBy,
		Applied:       apply,
		ResolvedAt:    time.Now().UTC(),
	}
	if err := s.store.UpdateConflict(ctx, c); err != nil {
		return nil, err
	}

	s.metrics.ConflictResolved(string(req.Decision))
	item := ConflictItem(c)
	item.Removed = true
	s.publish(item)
	log.Info().
		Str("conflict", c.ID).
		Str("decision", string(req.Decision)).
		Bool("applied", apply).
		Msg("Conflict resolved")
	return c, nil
}

// resolvedValue returns the value a decision writes and whether it writes at all.
func resolvedValue(c *models.DataConflict, req ResolveRequest) (interface{}, bool, error) {
	switch req.Decision {
	case models.ResolveAcceptNew:
		return c.ProposedValue, true, nil
	case models.ResolveKeepOld:
		return c.CurrentValue, false, nil
	case models.ResolveManualEntry:
		if req.ResolvedValue == nil {
			return nil, false, models.NewError(models.KindValidation, "", "manual_entry requires resolved_value")
		}
		return req.ResolvedValue, true, nil
	}
	// merge
	if req.ResolvedValue != nil {
		return req.ResolvedValue, true, nil
	}
	return merge(c.CurrentValue, c.ProposedValue), true, nil
}

// merge combines two values: lists are unioned in order, other values are
// joined as text when they differ.
func merge(current, proposed interface{}) interface{} {
	cl, cok := current.([]interface{})
	pl, pok := proposed.([]interface{})
	if cok || pok {
		seen := make(map[string]bool)
		var out []interface{}
		for _, v := range append(append([]interface{}{}, cl...), pl...) {
			k := models.ValueString(v)
			if !seen[k] {
				seen[k] = true
				out = append(out, v)
			}
		}
		if !cok && current != nil {
			out = append([]interface{}{current}, out...)
		}
		if !pok && proposed != nil {
			out = append(out, proposed)
		}
		return out
	}
	cs, ps := models.ValueString(current), models.ValueString(proposed)
	switch {
	case cs == "":
		return proposed
	case ps == "" || strings.EqualFold(cs, ps):
		return current
	}
	return cs + "; " + ps
}

func suggest(c *models.DataConflict) models.ResolutionDecision {
	if c.Confidence >= 90 {
		return models.ResolveAcceptNew
	}
	if c.Confidence < 80 {
		return models.ResolveKeepOld
	}
	return models.ResolveManualEntry
}

func (s *Service) publish(item models.FeedItem) {
	if s.feed != nil {
		s.feed.PublishFeed(item)
	}
}
