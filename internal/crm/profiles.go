// Package crm owns profile mutation. Every write goes through
// store.ProfileStore.ApplyFieldUpdate under an optimistic version check, so
// each changed field produces exactly one history row; stale writes re-read
// and retry.
package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// StatusArchived marks a profile retired by archiveProfile.
const StatusArchived = "archived"

// identityFields are tried in order when matching an email to a profile.
var identityFields = []struct {
	Field string
	Match models.MatchType
}{
	{"email", models.MatchEmail},
	{"phone", models.MatchPhone},
	{"loan_number", models.MatchLoanNumber},
}

// Precondition inspects the freshly read profile before a write. Returning an
// error aborts the write without retrying.
type Precondition func(p *models.Profile) error

// Service mutates profiles with version-checked retries.
type Service struct {
	store  store.ProfileStore
	policy retry.Policy
}

// NewService creates a profile service.
func NewService(s store.ProfileStore) *Service {
	return &Service{
		store:  s,
		policy: retry.Policy{MaxAttempts: 3, Initial: 20 * time.Millisecond, Multiplier: 2, MaxInterval: 200 * time.Millisecond},
	}
}

func (s *Service) Get(ctx context.Context, id string) (*models.Profile, error) {
	return s.store.GetProfile(ctx, id)
}

func (s *Service) List(ctx context.Context, profileType models.ProfileType, limit int) ([]models.Profile, error) {
	return s.store.ListProfiles(ctx, profileType, limit)
}

func (s *Service) History(ctx context.Context, id string) ([]models.FieldUpdateHistory, error) {
	return s.store.ListFieldHistory(ctx, id)
}

// Search returns profiles whose identifying field matches value.
func (s *Service) Search(ctx context.Context, profileType models.ProfileType, field, value string) ([]models.Profile, error) {
	return s.store.FindProfiles(ctx, profileType, field, value)
}

// Match resolves identity values to a profile by exact email, then phone,
// then loan number. Values holds the candidate identifiers by field name.
func (s *Service) Match(ctx context.Context, profileType models.ProfileType, values map[string]string) (*models.Profile, models.MatchType, error) {
	for _, id := range identityFields {
		v := values[id.Field]
		if v == "" {
			continue
		}
		if id.Field == "loan_number" && profileType != "" && profileType != models.ProfileActiveLoan {
			continue
		}
		found, err := s.store.FindProfiles(ctx, profileType, id.Field, v)
		if err != nil {
			return nil, models.MatchNone, err
		}
		if len(found) > 0 {
			if len(found) > 1 {
				log.Warn().Str("field", id.Field).Int("matches", len(found)).Msg("Ambiguous profile match, using oldest")
			}
			p := found[0]
			return &p, id.Match, nil
		}
	}
	return nil, models.MatchNone, nil
}

// SetField writes one field, retrying on version conflicts. cond, when set,
// is evaluated against each fresh read.
func (s *Service) SetField(ctx context.Context, profileID string, update models.FieldUpdate, cond Precondition) (*models.Profile, *models.FieldUpdateHistory, error) {
	var (
		profile *models.Profile
		history *models.FieldUpdateHistory
	)
	_, err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		current, err := s.store.GetProfile(ctx, profileID)
		if err != nil {
			return retry.Permanent(err)
		}
		if cond != nil {
			if err := cond(current); err != nil {
				return retry.Permanent(err)
			}
		}
		p, h, err := s.store.ApplyFieldUpdate(ctx, profileID, current.Version, update)
		if errors.Is(err, store.ErrVersionConflict) {
			log.Debug().Str("profile", profileID).Int("attempt", attempt).Msg("Profile version conflict, re-reading")
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		profile, history = p, h
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return profile, history, nil
}

// SetIfEmpty writes the field only when its current value is empty. A
// differing current value returns a ConflictDetected error carrying it.
func (s *Service) SetIfEmpty(ctx context.Context, profileID string, update models.FieldUpdate) (*models.Profile, *models.FieldUpdateHistory, error) {
	return s.SetField(ctx, profileID, update, func(p *models.Profile) error {
		if cur := p.FieldString(update.Field); cur != "" {
			return &FieldOccupiedError{Field: update.Field, Current: p.Fields[update.Field]}
		}
		return nil
	})
}

// Create makes a profile and writes each initial field through the history
// path. Fields are written in sorted order.
func (s *Service) Create(ctx context.Context, profileType models.ProfileType, fields map[string]interface{}, source models.UpdateSource, confidence float64, referenceID string) (*models.Profile, error) {
	if !profileType.Valid() {
		return nil, models.NewError(models.KindValidation, "", "unknown profile type %q", profileType)
	}
	now := time.Now().UTC()
	p := &models.Profile{
		ID:        uuid.NewString(),
		Type:      profileType,
		Fields:    map[string]interface{}{},
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	for _, name := range sortedKeys(fields) {
		updated, _, err := s.SetField(ctx, p.ID, models.FieldUpdate{
			Field:       name,
			Value:       fields[name],
			Source:      source,
			Confidence:  confidence,
			ReferenceID: referenceID,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
		p = updated
	}
	log.Info().Str("profile", p.ID).Str("type", string(profileType)).Int("fields", len(fields)).Msg("Profile created")
	return p, nil
}

// Archive marks a profile archived. Archiving twice is a no-op.
func (s *Service) Archive(ctx context.Context, profileID string, source models.UpdateSource, referenceID string) (*models.Profile, error) {
	p, _, err := s.SetField(ctx, profileID, models.FieldUpdate{
		Field:       "status",
		Value:       StatusArchived,
		Source:      source,
		Confidence:  100,
		ReferenceID: referenceID,
	}, func(p *models.Profile) error {
		if p.Status == StatusArchived {
			return errAlreadyArchived
		}
		return nil
	})
	if errors.Is(err, errAlreadyArchived) {
		return s.store.GetProfile(ctx, profileID)
	}
	return p, err
}

var errAlreadyArchived = errors.New("already archived")

// FieldOccupiedError reports that a conditional write found a value in place.
type FieldOccupiedError struct {
	Field   string
	Current interface{}
}

func (e *FieldOccupiedError) Error() string {
	return fmt.Sprintf("field %s already holds %v", e.Field, e.Current)
}
