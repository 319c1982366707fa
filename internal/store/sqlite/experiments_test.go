package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/store/sqlite"
	"github.com/loanpilot/orchestrator/pkg/models"
)

func newExperiment(id, name string) *models.Experiment {
	return &models.Experiment{
		ID:               id,
		Name:             name,
		Type:             models.ExperimentPrompt,
		Status:           models.ExperimentDraft,
		PrimaryMetric:    "reply_rate",
		TargetPercentage: 100,
		MinSampleSize:    10,
		ConfidenceLevel:  0.95,
		Variants: []models.Variant{
			{ID: "control", Name: "Control", IsControl: true, TrafficAllocation: 50},
			{ID: "friendly", Name: "Friendly", TrafficAllocation: 50},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestExperimentCRUD(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, newExperiment("e1", "welcome")))
	err = s.CreateExperiment(ctx, newExperiment("e2", "welcome"))
	assert.True(t, store.IsDuplicate(err), "duplicate name should fail, got %v", err)

	got, err := s.GetExperimentByName(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)
	assert.Len(t, got.Variants, 2)

	got.Status = models.ExperimentRunning
	require.NoError(t, s.UpdateExperiment(ctx, got))
	again, err := s.GetExperiment(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentRunning, again.Status)

	_, err = s.GetExperiment(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestAssignmentIsSticky(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	first, inserted, err := s.InsertAssignmentIfAbsent(ctx, &models.Assignment{
		ExperimentID: "e1", SubjectID: "lead:42", VariantID: "friendly", AssignedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "friendly", first.VariantID)

	second, inserted, err := s.InsertAssignmentIfAbsent(ctx, &models.Assignment{
		ExperimentID: "e1", SubjectID: "lead:42", VariantID: "control", AssignedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "friendly", second.VariantID)

	counts, err := s.CountAssignments(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"friendly": 1}, counts)
}

func TestResultsAndInsights(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for i, v := range []float64{1, 0, 1} {
		require.NoError(t, s.AppendResult(ctx, &models.Result{
			ID: string(rune('a' + i)), ExperimentID: "e1", VariantID: "control", SubjectID: "s",
			MetricName: "reply_rate", MetricValue: v, RecordedAt: time.Now(),
		}))
	}
	require.NoError(t, s.AppendResult(ctx, &models.Result{
		ID: "z", ExperimentID: "e1", VariantID: "control", SubjectID: "s",
		MetricName: "other", MetricValue: 5, RecordedAt: time.Now(),
	}))

	results, err := s.ListResults(ctx, "e1", "reply_rate")
	require.NoError(t, err)
	assert.Len(t, results, 3)

	counts, err := s.CountResults(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 4, counts["control"])

	_, err = s.LatestInsight(ctx, "e1")
	assert.True(t, store.IsNotFound(err))

	require.NoError(t, s.CreateInsight(ctx, &models.Insight{ID: "i1", ExperimentID: "e1", Metric: "reply_rate", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateInsight(ctx, &models.Insight{
		ID: "i2", ExperimentID: "e1", Metric: "reply_rate", CreatedAt: time.Now(),
		Analysis: models.Analysis{TotalN: 3},
	}))
	latest, err := s.LatestInsight(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "i2", latest.ID)
	assert.Equal(t, 3, latest.Analysis.TotalN)
}

func TestAssignmentsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.db")
	ctx := context.Background()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	_, _, err = s.InsertAssignmentIfAbsent(ctx, &models.Assignment{ExperimentID: "e1", SubjectID: "u1", VariantID: "control", AssignedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := sqlite.New(path)
	require.NoError(t, err)
	defer s2.Close()
	a, err := s2.GetAssignment(ctx, "e1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "control", a.VariantID)
}
