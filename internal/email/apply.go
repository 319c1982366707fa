package email

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// milestoneNamespace seeds deterministic milestone event ids so reprocessing
// an email never emits the same follow-up twice.
var milestoneNamespace = uuid.MustParse("6f1c1e8a-3d5b-4b7e-9a0e-2c4d8f1b7a55")

// Match resolves the extracted identifiers of e to a profile.
func (p *Pipeline) Match(ctx context.Context, profileType models.ProfileType, fields map[string]interface{}) (*models.Profile, models.MatchType, error) {
	values := make(map[string]string, len(identityFields))
	for name := range identityFields {
		if v := models.ValueString(fields[name]); v != "" {
			values[name] = v
		}
	}
	if len(values) == 0 {
		return nil, models.MatchNone, nil
	}
	return p.profiles.Match(ctx, profileType, values)
}

// apply matches the email to a profile and applies or conflict-queues each
// field at or above ApplyThreshold. Fields below it are only recorded.
func (p *Pipeline) apply(ctx context.Context, e *models.EmailInteraction, parsed *Parsed) error {
	profile, match, err := p.Match(ctx, e.ProfileType, parsed.ExtractedFields)
	if err != nil {
		return fmt.Errorf("match profile: %w", err)
	}
	e.MatchType = match
	e.AppliedFields = nil
	e.ConflictIDs = nil

	if profile == nil {
		if profile, err = p.create(ctx, e, parsed); err != nil || profile == nil {
			return err
		}
	}
	e.ProfileID = profile.ID

	for _, name := range sortedFields(parsed.ExtractedFields) {
		conf := parsed.ConfidenceScores[name]
		if conf < ApplyThreshold {
			continue
		}
		f, _ := lookupField(e.ProfileType, name)
		proposed := parsed.ExtractedFields[name]

		_, _, err := p.profiles.SetIfEmpty(ctx, profile.ID, models.FieldUpdate{
			Field:       name,
			Value:       proposed,
			Source:      models.SourceParsedEmail,
			Confidence:  conf,
			ReferenceID: e.ID,
		})
		var occupied *crm.FieldOccupiedError
		switch {
		case err == nil:
			e.AppliedFields = append(e.AppliedFields, name)
		case errors.As(err, &occupied):
			if sameValue(f, occupied.Current, proposed) {
				continue
			}
			id, err := p.conflict(ctx, e, profile, name, occupied.Current, proposed, conf, parsed)
			if err != nil {
				return err
			}
			e.ConflictIDs = append(e.ConflictIDs, id)
		default:
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}

	e.SyncStatus = models.SyncApplied
	if len(e.ConflictIDs) > 0 {
		e.SyncStatus = models.SyncConflict
	}
	e.ErrorCode = ""
	return nil
}

// create makes a profile from high-confidence identifiers. Without one the
// fields are queued as a pending extraction and nil is returned.
func (p *Pipeline) create(ctx context.Context, e *models.EmailInteraction, parsed *Parsed) (*models.Profile, error) {
	ids := map[string]interface{}{}
	minConf := 100.0
	for name := range identityFields {
		v, ok := parsed.ExtractedFields[name]
		conf := parsed.ConfidenceScores[name]
		if !ok || conf < ApplyThreshold {
			continue
		}
		if _, known := lookupField(e.ProfileType, name); !known {
			continue
		}
		ids[name] = v
		minConf = math.Min(minConf, conf)
	}

	if len(ids) == 0 {
		pe := &models.PendingExtraction{
			EmailID:     e.ID,
			ProfileType: e.ProfileType,
			Fields:      parsed.ExtractedFields,
			Confidence:  parsed.ConfidenceScores,
			Reason:      "no matching profile and no high-confidence email, phone or loan number to create one",
			Urgency:     models.UrgencyFromScore(parsed.UrgencyScore),
		}
		if err := p.reconcile.QueuePending(ctx, pe); err != nil {
			return nil, err
		}
		e.MatchType = models.MatchNone
		e.SyncStatus = models.SyncConflict
		e.ErrorCode = models.CodeUnsafeToCreate
		log.Info().Str("email", e.ID).Str("pending", pe.ID).Msg("Unmatched email queued for review")
		return nil, nil
	}

	profile, err := p.profiles.Create(ctx, e.ProfileType, ids, models.SourceParsedEmail, minConf, e.ID)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	e.MatchType = models.MatchCreated
	for _, name := range sortedFields(ids) {
		e.AppliedFields = append(e.AppliedFields, name)
	}
	return profile, nil
}

// conflict queues one DataConflict for a field, reusing an open conflict that
// already proposes the same value.
func (p *Pipeline) conflict(ctx context.Context, e *models.EmailInteraction, profile *models.Profile, field string, current, proposed interface{}, conf float64, parsed *Parsed) (string, error) {
	f, _ := lookupField(e.ProfileType, field)
	open, err := p.reconcile.ListConflicts(ctx, models.ConflictFilter{ProfileID: profile.ID, Status: models.ConflictOpen})
	if err != nil {
		return "", err
	}
	for _, c := range open {
		if c.Field == field && sameValue(f, c.ProposedValue, proposed) {
			return c.ID, nil
		}
	}

	c := &models.DataConflict{
		ProfileID:     profile.ID,
		ProfileType:   e.ProfileType,
		Field:         field,
		CurrentValue:  current,
		ProposedValue: proposed,
		Confidence:    conf,
		Reasoning:     conflictReason(parsed, field, current, proposed),
		Urgency:       models.UrgencyFromScore(parsed.UrgencyScore),
		EmailID:       e.ID,
	}
	if err := p.reconcile.QueueConflict(ctx, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

func conflictReason(parsed *Parsed, field string, current, proposed interface{}) string {
	for _, c := range parsed.Conflicts {
		if c.Field == field && c.Reasoning != "" {
			return c.Reasoning
		}
	}
	for _, u := range parsed.FieldUpdates {
		if u.Field == field && u.Reason != "" {
			return u.Reason
		}
	}
	return fmt.Sprintf("email states %s = %s but the profile has %s",
		field, models.ValueString(proposed), models.ValueString(current))
}

// milestones publishes one DeadlineApproaching event per detected milestone
// of a matched profile. Publish failures are logged.
func (p *Pipeline) milestones(ctx context.Context, e *models.EmailInteraction) {
	if p.events == nil || e.ProfileID == "" {
		return
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, m := range e.Milestones {
		payload := map[string]interface{}{
			"milestone": m.Name,
			"date":      m.Date,
			"email_id":  e.ID,
		}
		if m.Field != "" {
			payload["field"] = m.Field
		}
		if m.Notes != "" {
			payload["notes"] = m.Notes
		}
		if d, err := time.Parse("2006-01-02", m.Date); err == nil {
			payload["days_until"] = int(d.Sub(today).Hours() / 24)
		}
		ev := &models.Event{
			ID:         uuid.NewSHA1(milestoneNamespace, []byte(e.ID+"|"+m.Name+"|"+m.Date)).String(),
			Type:       models.EventDeadlineApproaching,
			EntityType: string(e.ProfileType),
			EntityID:   e.ProfileID,
			Payload:    payload,
		}
		if _, err := p.events.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("email", e.ID).Str("milestone", m.Name).Msg("Milestone event not published")
			continue
		}
		log.Info().Str("email", e.ID).Str("milestone", m.Name).Str("date", m.Date).Msg("⏰ Milestone event published")
	}
}

func sortedFields(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
