// Package experiments runs prompt, model and configuration experiments:
// deterministic hash-based variant assignment, append-only result recording
// and Welch's t-test analysis.
package experiments

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Defaults for fields omitted at creation.
const (
	DefaultConfidenceLevel = 0.95
	DefaultMinSampleSize   = 100
	DefaultPrimaryMetric   = "invocation_success"
	allocationTolerance    = 0.01
)

// Engine manages experiments.
type Engine struct {
	store   store.ExperimentStore
	metrics *metrics.Metrics
	group   singleflight.Group
	now     func() time.Time
}

// NewEngine creates an engine over s. m may be nil.
func NewEngine(s store.ExperimentStore, m *metrics.Metrics) *Engine {
	return &Engine{store: s, metrics: m, now: time.Now}
}

// CreateRequest describes a new experiment.
type CreateRequest struct {
	Name             string                `json:"name"`
	Description      string                `json:"description,omitempty"`
	Type             models.ExperimentType `json:"type"`
	PrimaryMetric    string                `json:"primary_metric,omitempty"`
	SecondaryMetrics []string              `json:"secondary_metrics,omitempty"`
	TargetPercentage *float64              `json:"target_percentage,omitempty"`
	MinSampleSize    int                   `json:"min_sample_size,omitempty"`
	ConfidenceLevel  float64               `json:"confidence_level,omitempty"`
	Variants         []models.Variant      `json:"variants"`
}

// Create validates and stores a draft experiment.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Experiment, error) {
	exp := &models.Experiment{
		ID:               uuid.NewString(),
		Name:             strings.TrimSpace(req.Name),
		Description:      req.Description,
		Type:             req.Type,
		Status:           models.ExperimentDraft,
		PrimaryMetric:    req.PrimaryMetric,
		SecondaryMetrics: req.SecondaryMetrics,
		TargetPercentage: 100,
		MinSampleSize:    req.MinSampleSize,
		ConfidenceLevel:  req.ConfidenceLevel,
		Variants:         req.Variants,
		CreatedAt:        e.now().UTC(),
	}
	if req.TargetPercentage != nil {
		exp.TargetPercentage = *req.TargetPercentage
	}
	if exp.PrimaryMetric == "" {
		exp.PrimaryMetric = DefaultPrimaryMetric
	}
	if exp.MinSampleSize == 0 {
		exp.MinSampleSize = DefaultMinSampleSize
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = DefaultConfidenceLevel
	}
	for i := range exp.Variants {
		if exp.Variants[i].ID == "" {
			exp.Variants[i].ID = exp.Variants[i].Name
		}
		if exp.Variants[i].Name == "" {
			exp.Variants[i].Name = exp.Variants[i].ID
		}
	}
	if err := validate(exp); err != nil {
		return nil, err
	}
	if err := e.store.CreateExperiment(ctx, exp); err != nil {
		if store.IsDuplicate(err) {
			return nil, models.WrapError(models.KindConflict, "", err)
		}
		return nil, err
	}
	log.Info().
		Str("experiment", exp.ID).
		Str("name", exp.Name).
		Int("variants", len(exp.Variants)).
		Msg("Experiment created")
	return exp, nil
}

func validate(exp *models.Experiment) error {
	invalid := func(format string, args ...interface{}) error {
		return models.NewError(models.KindValidation, "", format, args...)
	}
	if exp.Name == "" {
		return invalid("experiment name is required")
	}
	if !exp.Type.Valid() {
		return invalid("unknown experiment type %q", exp.Type)
	}
	if exp.TargetPercentage <= 0 || exp.TargetPercentage > 100 {
		return invalid("target_percentage must be in (0,100]")
	}
	if exp.ConfidenceLevel <= 0 || exp.ConfidenceLevel >= 1 {
		return invalid("confidence_level must be in (0,1)")
	}
	if exp.MinSampleSize < 0 {
		return invalid("min_sample_size must not be negative")
	}
	if len(exp.Variants) < 2 {
		return invalid("an experiment needs at least two variants")
	}
	seen := make(map[string]bool)
	controls := 0
	sum := 0.0
	for _, v := range exp.Variants {
		if v.ID == "" {
			return invalid("variant id or name is required")
		}
		if seen[v.ID] {
			return invalid("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true
		if v.TrafficAllocation < 0 {
			return invalid("variant %s has negative traffic_allocation", v.ID)
		}
		if v.IsControl {
			controls++
		}
		sum += v.TrafficAllocation
	}
	if controls > 1 {
		return invalid("at most one variant may be the control")
	}
	if math.Abs(sum-100) > allocationTolerance {
		return invalid("traffic_allocation must sum to 100, got %.2f", sum)
	}
	return nil
}

// Get returns an experiment by id or name.
func (e *Engine) Get(ctx context.Context, idOrName string) (*models.Experiment, error) {
	exp, err := e.store.GetExperiment(ctx, idOrName)
	if store.IsNotFound(err) {
		exp, err = e.store.GetExperimentByName(ctx, idOrName)
	}
	if store.IsNotFound(err) {
		return nil, models.WrapError(models.KindNotFound, "", err)
	}
	return exp, err
}

// List returns every experiment, newest first.
func (e *Engine) List(ctx context.Context) ([]models.Experiment, error) {
	out, err := e.store.ListExperiments(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ── Lifecycle ────────────────────────────────────────────────

// Start moves a draft or paused experiment to running.
func (e *Engine) Start(ctx context.Context, id string) (*models.Experiment, error) {
	return e.transition(ctx, id, []models.ExperimentStatus{models.ExperimentDraft, models.ExperimentPaused}, func(exp *models.Experiment) {
		exp.Status = models.ExperimentRunning
		if exp.StartedAt == nil {
			now := e.now().UTC()
			exp.StartedAt = &now
		}
	})
}

// Pause stops new assignments while keeping existing ones.
func (e *Engine) Pause(ctx context.Context, id string) (*models.Experiment, error) {
	return e.transition(ctx, id, []models.ExperimentStatus{models.ExperimentRunning}, func(exp *models.Experiment) {
		exp.Status = models.ExperimentPaused
	})
}

// Stop completes the experiment. With declareWinner, the primary metric is
// analyzed and a significant recommended winner is stored.
func (e *Engine) Stop(ctx context.Context, id string, declareWinner bool) (*models.Experiment, error) {
	var winner string
	if declareWinner {
		a, err := e.Analyze(ctx, id, "")
		if err != nil {
			return nil, err
		}
		if a.Test != nil && a.Test.Significant {
			winner = a.RecommendedWinner
		}
	}
	return e.transition(ctx, id, []models.ExperimentStatus{models.ExperimentRunning, models.ExperimentPaused}, func(exp *models.Experiment) {
		exp.Status = models.ExperimentCompleted
		now := e.now().UTC()
		exp.EndedAt = &now
		if winner != "" {
			exp.WinningVariantID = &winner
		}
	})
}

func (e *Engine) transition(ctx context.Context, id string, from []models.ExperimentStatus, fn func(*models.Experiment)) (*models.Experiment, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, s := range from {
		if exp.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, models.NewError(models.KindConflict, models.CodeInvalidTransition, "experiment %s is %s", exp.Name, exp.Status)
	}
	prev := exp.Status
	fn(exp)
	if err := e.store.UpdateExperiment(ctx, exp); err != nil {
		return nil, err
	}
	log.Info().
		Str("experiment", exp.ID).
		Str("from", string(prev)).
		Str("to", string(exp.Status)).
		Msg("Experiment status changed")
	return exp, nil
}

// ── Assignment ───────────────────────────────────────────────

// hashUnit maps (experiment, subject, salt) onto a stable uint64.
func hashUnit(experimentID, subject, salt string) uint64 {
	sum := sha256.Sum256([]byte(experimentID + ":" + subject + salt))
	return binary.BigEndian.Uint64(sum[:8])
}

// eligible reports whether subject falls within the target percentage.
func eligible(exp *models.Experiment, subject string) bool {
	return float64(hashUnit(exp.ID, subject, "")%100) < exp.TargetPercentage
}

// pick selects a variant from a second hash in [0,100) walked over the
// cumulative allocations in registration order.
func pick(exp *models.Experiment, subject string) *models.Variant {
	point := float64(hashUnit(exp.ID, subject, ":variant")%10000) / 100
	cum := 0.0
	for i := range exp.Variants {
		cum += exp.Variants[i].TrafficAllocation
		if point < cum {
			return &exp.Variants[i]
		}
	}
	return &exp.Variants[len(exp.Variants)-1]
}

// GetVariant returns the caller's variant in the named running experiment,
// assigning one on first sight. Callers outside the target percentage or of
// an experiment that is not running get no variant.
func (e *Engine) GetVariant(ctx context.Context, name, subject string, attrs map[string]interface{}) (*models.VariantResponse, error) {
	if subject == "" {
		return nil, models.NewError(models.KindValidation, "", "user_id_or_session_id is required")
	}
	exp, err := e.store.GetExperimentByName(ctx, name)
	if store.IsNotFound(err) {
		return &models.VariantResponse{}, nil
	}
	if err != nil {
		return nil, err
	}
	if exp.Status != models.ExperimentRunning {
		return &models.VariantResponse{ExperimentID: exp.ID}, nil
	}
	if !eligible(exp, subject) {
		return &models.VariantResponse{ExperimentID: exp.ID}, nil
	}

	v, err, _ := e.group.Do(exp.ID+"|"+subject, func() (interface{}, error) {
		return e.assign(context.WithoutCancel(ctx), exp, subject, attrs)
	})
	if err != nil {
		return nil, err
	}
	a := v.(*models.Assignment)
	variant, ok := exp.Variant(a.VariantID)
	if !ok {
		return nil, models.NewError(models.KindInternal, "", "assignment references unknown variant %s", a.VariantID)
	}
	return &models.VariantResponse{InExperiment: true, ExperimentID: exp.ID, Variant: variant}, nil
}

func (e *Engine) assign(ctx context.Context, exp *models.Experiment, subject string, attrs map[string]interface{}) (*models.Assignment, error) {
	if a, err := e.store.GetAssignment(ctx, exp.ID, subject); err == nil {
		return a, nil
	} else if !store.IsNotFound(err) {
		return nil, err
	}
	a := &models.Assignment{
		ExperimentID: exp.ID,
		SubjectID:    subject,
		VariantID:    pick(exp, subject).ID,
		Context:      attrs,
		AssignedAt:   e.now().UTC(),
	}
	stored, inserted, err := e.store.InsertAssignmentIfAbsent(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("assign %s in %s: %w", subject, exp.Name, err)
	}
	if inserted {
		e.metrics.Assignment(exp.ID, stored.VariantID)
	}
	return stored, nil
}

// Record appends a metric observation for the caller's assigned variant. It
// reports false, and writes nothing, when the caller has no assignment.
func (e *Engine) Record(ctx context.Context, name, metric string, value float64, subject string) (bool, error) {
	if metric == "" {
		return false, models.NewError(models.KindValidation, "", "metric_name is required")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false, models.NewError(models.KindValidation, "", "metric_value must be finite")
	}
	exp, err := e.Get(ctx, name)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return false, nil
		}
		return false, err
	}
	a, err := e.store.GetAssignment(ctx, exp.ID, subject)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = e.store.AppendResult(ctx, &models.Result{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		VariantID:    a.VariantID,
		SubjectID:    subject,
		MetricName:   metric,
		MetricValue:  value,
		RecordedAt:   e.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Summary reports assignment and result counts per variant.
func (e *Engine) Summary(ctx context.Context, id string) (*models.ExperimentSummary, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	assignments, err := e.store.CountAssignments(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.CountResults(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	s := &models.ExperimentSummary{Experiment: *exp, Assignments: assignments, Results: results}
	for _, n := range assignments {
		s.TotalAssigned += n
	}
	for _, n := range results {
		s.TotalResults += n
	}
	if in, err := e.store.LatestInsight(ctx, exp.ID); err == nil {
		s.LatestInsight = in
	} else if !store.IsNotFound(err) {
		return nil, err
	}
	return s, nil
}
