package experiments

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/store/sqlite"
	"github.com/loanpilot/orchestrator/pkg/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { _ = s.Close() })
	return NewEngine(s, nil)
}

func abRequest(name string) CreateRequest {
	return CreateRequest{
		Name:          name,
		Type:          models.ExperimentPrompt,
		PrimaryMetric: "resolution_rate",
		MinSampleSize: 200,
		Variants: []models.Variant{
			{ID: "control", Name: "Control", IsControl: true, TrafficAllocation: 50},
			{ID: "treatment", Name: "Treatment", TrafficAllocation: 50},
		},
	}
}

func startAB(t *testing.T, e *Engine, name string) *models.Experiment {
	t.Helper()
	ctx := context.Background()
	exp, err := e.Create(ctx, abRequest(name))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := e.Start(ctx, exp.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return exp
}

// ─── Create / lifecycle ───

func TestCreate_Validation(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing name", func(r *CreateRequest) { r.Name = "" }},
		{"unknown type", func(r *CreateRequest) { r.Type = "pricing" }},
		{"allocation sum", func(r *CreateRequest) { r.Variants[1].TrafficAllocation = 40 }},
		{"single variant", func(r *CreateRequest) { r.Variants = r.Variants[:1] }},
		{"two controls", func(r *CreateRequest) { r.Variants[1].IsControl = true }},
		{"duplicate ids", func(r *CreateRequest) { r.Variants[1].ID = "control" }},
		{"bad confidence", func(r *CreateRequest) { r.ConfidenceLevel = 1.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := abRequest("exp-" + tt.name)
			req.Variants = append([]models.Variant(nil), req.Variants...)
			tt.mutate(&req)
			if _, err := e.Create(context.Background(), req); models.KindOf(err) != models.KindValidation {
				t.Errorf("Create() error = %v, want ValidationFailure", err)
			}
		})
	}
}

func TestCreate_AllocationTolerance(t *testing.T) {
	e := newTestEngine(t)
	req := abRequest("thirds")
	req.Variants = []models.Variant{
		{ID: "a", TrafficAllocation: 33.33},
		{ID: "b", TrafficAllocation: 33.33},
		{ID: "c", TrafficAllocation: 33.34},
	}
	exp, err := e.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentDraft, exp.Status)
	assert.Equal(t, 0.95, exp.ConfidenceLevel)
}

func TestCreate_DuplicateName(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), abRequest("dup"))
	require.NoError(t, err)
	_, err = e.Create(context.Background(), abRequest("dup"))
	if models.KindOf(err) != models.KindConflict {
		t.Errorf("Create() error = %v, want ConflictDetected", err)
	}
}

func TestLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	exp := startAB(t, e, "life")

	if _, err := e.Start(ctx, exp.ID); models.CodeOf(err) != models.CodeInvalidTransition {
		t.Errorf("Start() on running error = %v, want INVALID_TRANSITION", err)
	}
	paused, err := e.Pause(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentPaused, paused.Status)

	resp, err := e.GetVariant(ctx, "life", "user-1", nil)
	require.NoError(t, err)
	assert.False(t, resp.InExperiment, "paused experiments assign nobody")

	stopped, err := e.Stop(ctx, exp.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentCompleted, stopped.Status)
	assert.NotNil(t, stopped.EndedAt)
	assert.Nil(t, stopped.WinningVariantID)
}

// ─── Assignment ───

func TestGetVariant_UnknownOrNotRunning(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.GetVariant(ctx, "nope", "user-1", nil)
	require.NoError(t, err)
	assert.False(t, resp.InExperiment)

	_, err = e.Create(ctx, abRequest("draft"))
	require.NoError(t, err)
	resp, err = e.GetVariant(ctx, "draft", "user-1", nil)
	require.NoError(t, err)
	assert.False(t, resp.InExperiment)
}

func TestGetVariant_StableAndDistributed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	startAB(t, e, "prompt_A_vs_B")

	const n = 10000
	control := 0
	for i := 0; i < n; i++ {
		user := fmt.Sprintf("user-%d", i)
		first, err := e.GetVariant(ctx, "prompt_A_vs_B", user, nil)
		if err != nil {
			t.Fatalf("GetVariant() error = %v", err)
		}
		second, err := e.GetVariant(ctx, "prompt_A_vs_B", user, nil)
		require.NoError(t, err)
		require.True(t, first.InExperiment)
		require.Equal(t, first.Variant.ID, second.Variant.ID, "user %s changed variant", user)
		if first.Variant.ID == "control" {
			control++
		}
	}
	share := float64(control) / n
	assert.InDelta(t, 0.50, share, 0.02, "control share %.4f", share)
}

func TestGetVariant_TargetPercentage(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	req := abRequest("partial")
	target := 20.0
	req.TargetPercentage = &target
	exp, err := e.Create(ctx, req)
	require.NoError(t, err)
	_, err = e.Start(ctx, exp.ID)
	require.NoError(t, err)

	in := 0
	for i := 0; i < 5000; i++ {
		resp, err := e.GetVariant(ctx, "partial", fmt.Sprintf("s-%d", i), nil)
		require.NoError(t, err)
		if resp.InExperiment {
			in++
		}
	}
	assert.InDelta(t, 0.20, float64(in)/5000, 0.03)
}

func TestGetVariant_ConcurrentFirstWins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	exp := startAB(t, e, "race")

	var wg sync.WaitGroup
	got := make([]string, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.GetVariant(ctx, "race", "same-user", nil)
			if err == nil && resp.Variant != nil {
				got[i] = resp.Variant.ID
			}
		}(i)
	}
	wg.Wait()
	for _, v := range got {
		assert.Equal(t, got[0], v)
	}
	counts, err := e.store.CountAssignments(ctx, exp.ID)
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total)
}

func TestGetVariant_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.db")
	ctx := context.Background()

	s1, err := sqlite.New(path)
	require.NoError(t, err)
	e1 := NewEngine(s1, nil)
	startAB(t, e1, "durable")
	want := make(map[string]string)
	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("u-%d", i)
		resp, err := e1.GetVariant(ctx, "durable", user, nil)
		require.NoError(t, err)
		want[user] = resp.Variant.ID
	}
	require.NoError(t, s1.Close())

	s2, err := sqlite.New(path)
	require.NoError(t, err)
	defer s2.Close()
	e2 := NewEngine(s2, nil)
	for user, variant := range want {
		resp, err := e2.GetVariant(ctx, "durable", user, nil)
		require.NoError(t, err)
		assert.Equal(t, variant, resp.Variant.ID, "user %s", user)
	}
}

// ─── Results ───

func TestRecord_NoAssignmentIsNoop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	exp := startAB(t, e, "noop")

	ok, err := e.Record(ctx, "noop", "resolution_rate", 1, "stranger")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	assert.False(t, ok)

	_, err = e.store.GetAssignment(ctx, exp.ID, "stranger")
	assert.True(t, store.IsNotFound(err), "Record must not create an assignment")
	sum, err := e.Summary(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.TotalResults)
}

// populate assigns users until each variant has n subjects and records
// values[variant](k) for the k-th subject of that variant.
func populate(t *testing.T, e *Engine, name, metric string, n int, values map[string]func(k int) float64) {
	t.Helper()
	ctx := context.Background()
	seen := map[string]int{}
	for i := 0; ; i++ {
		done := true
		for v := range values {
			if seen[v] < n {
				done = false
			}
		}
		if done {
			return
		}
		user := fmt.Sprintf("subject-%d", i)
		resp, err := e.GetVariant(ctx, name, user, nil)
		require.NoError(t, err)
		v := resp.Variant.ID
		if seen[v] >= n {
			continue
		}
		ok, err := e.Record(ctx, name, metric, values[v](seen[v]), user)
		require.NoError(t, err)
		require.True(t, ok)
		seen[v]++
	}
}

func alternating(mean, delta float64) func(k int) float64 {
	return func(k int) float64 {
		if k%2 == 0 {
			return mean - delta
		}
		return mean + delta
	}
}

func TestAnalyze_SignificantTreatment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	exp := startAB(t, e, "prompt_A_vs_B")
	populate(t, e, "prompt_A_vs_B", "resolution_rate", 100, map[string]func(int) float64{
		"control":   alternating(0.70, 0.10),
		"treatment": alternating(0.82, 0.10),
	})

	a, err := e.Analyze(ctx, exp.ID, "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	assert.Equal(t, 200, a.TotalN)
	assert.True(t, a.SufficientSample)
	assert.Equal(t, "control", a.ControlID)
	require.NotNil(t, a.Test)
	assert.Equal(t, "treatment", a.Test.ChallengerID)
	assert.Less(t, a.Test.PValue, 0.05)
	assert.True(t, a.Test.Significant)
	assert.InDelta(t, 198, a.Test.DF, 0.5)
	assert.Equal(t, "treatment", a.RecommendedWinner)
	assert.Equal(t, "high", a.Recommendation.Confidence)
	assert.Contains(t, a.Recommendation.Reason, "+17.1%")
	assert.Contains(t, a.Recommendation.Reason, "high confidence = sample adequacy 100% (n=200)")

	for _, vs := range a.Variants {
		assert.Equal(t, 100, vs.N)
		assert.InDelta(t, 0.1005, vs.Std, 0.001)
	}

	sum, err := e.Summary(ctx, exp.ID)
	require.NoError(t, err)
	require.NotNil(t, sum.LatestInsight)
	assert.Equal(t, "resolution_rate", sum.LatestInsight.Metric)
	assert.Equal(t, 200, sum.TotalResults)

	stopped, err := e.Stop(ctx, exp.ID, true)
	require.NoError(t, err)
	require.NotNil(t, stopped.WinningVariantID)
	assert.Equal(t, "treatment", *stopped.WinningVariantID)
}

func TestAnalyze_NotSignificant(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	exp := startAB(t, e, "flat")
	populate(t, e, "flat", "resolution_rate", 20, map[string]func(int) float64{
		"control":   alternating(0.70, 0.20),
		"treatment": alternating(0.71, 0.20),
	})

	a, err := e.Analyze(ctx, exp.ID, "resolution_rate")
	require.NoError(t, err)
	require.NotNil(t, a.Test)
	assert.False(t, a.Test.Significant)
	assert.Empty(t, a.RecommendedWinner)
	assert.False(t, a.SufficientSample)
	assert.Equal(t, "low", a.Recommendation.Confidence)
}

func TestControlID_FallsBackToLowestID(t *testing.T) {
	exp := &models.Experiment{Variants: []models.Variant{{ID: "zeta"}, {ID: "alpha"}}}
	assert.Equal(t, "alpha", controlID(exp))
}

func TestWelch_MatchesHandComputation(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	ys := []float64{3, 4, 5, 6, 7, 8}
	control := describe(xs)
	control.VariantID = "c"
	challenger := describe(ys)
	challenger.VariantID = "t"

	got := welch(control, challenger, xs, ys, 0.95)
	// means 3 and 5.5, variances 2.5 and 3.5
	assert.InDelta(t, 2.4019, got.TStatistic, 1e-3)
	assert.InDelta(t, 8.9894, got.DF, 1e-3)
	assert.InDelta(t, 0.0398, got.PValue, 1e-3)
	assert.True(t, got.Significant)
}

func TestWelch_ZeroVarianceIsEncodable(t *testing.T) {
	xs := []float64{1, 1, 1}
	ys := []float64{0, 0, 0, 0}
	control := describe(xs)
	control.VariantID = "c"
	challenger := describe(ys)
	challenger.VariantID = "t"

	got := welch(control, challenger, xs, ys, 0.95)
	assert.True(t, got.Significant)
	assert.Zero(t, got.PValue)
	assert.Equal(t, -maxTStatistic, got.TStatistic)

	_, err := json.Marshal(got)
	assert.NoError(t, err)
}
