package experiments

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// Analyze computes per-variant statistics of metric (the primary metric when
// empty), runs Welch's t-test between the control and the best challenger
// and persists the result as an Insight.
func (e *Engine) Analyze(ctx context.Context, id, metric string) (*models.Analysis, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if metric == "" {
		metric = exp.PrimaryMetric
	}
	results, err := e.store.ListResults(ctx, exp.ID, metric)
	if err != nil {
		return nil, err
	}

	samples := make(map[string][]float64, len(exp.Variants))
	for _, r := range results {
		samples[r.VariantID] = append(samples[r.VariantID], r.MetricValue)
	}

	a := &models.Analysis{
		ExperimentID:    exp.ID,
		Metric:          metric,
		ControlID:       controlID(exp),
		ConfidenceLevel: exp.ConfidenceLevel,
		AnalyzedAt:      e.now().UTC(),
	}
	byID := make(map[string]models.VariantStats, len(exp.Variants))
	for _, v := range exp.Variants {
		vs := describe(samples[v.ID])
		vs.VariantID, vs.Name, vs.IsControl = v.ID, v.Name, v.ID == a.ControlID
		a.Variants = append(a.Variants, vs)
		a.TotalN += vs.N
		byID[v.ID] = vs
	}
	a.SufficientSample = a.TotalN >= exp.MinSampleSize

	control := byID[a.ControlID]
	var challenger *models.VariantStats
	for i := range a.Variants {
		v := &a.Variants[i]
		if v.VariantID == a.ControlID || v.N == 0 {
			continue
		}
		if challenger == nil || v.Mean > challenger.Mean || (v.Mean == challenger.Mean && v.VariantID < challenger.VariantID) {
			challenger = v
		}
	}
	if challenger != nil {
		a.Test = welch(control, *challenger, samples[a.ControlID], samples[challenger.VariantID], exp.ConfidenceLevel)
	}
	a.Recommendation = recommend(exp, a, control, challenger)
	a.RecommendedWinner = a.Recommendation.WinnerID

	in := &models.Insight{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		Metric:       metric,
		Analysis:     *a,
		CreatedAt:    a.AnalyzedAt,
	}
	if err := e.store.CreateInsight(ctx, in); err != nil {
		return nil, fmt.Errorf("persist insight: %w", err)
	}
	return a, nil
}

// controlID is the flagged control, else the lowest variant id.
func controlID(exp *models.Experiment) string {
	ids := make([]string, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		if v.IsControl {
			return v.ID
		}
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	return ids[0]
}

func describe(xs []float64) models.VariantStats {
	vs := models.VariantStats{N: len(xs)}
	if len(xs) == 0 {
		return vs
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	vs.Mean = stat.Mean(sorted, nil)
	if len(sorted) > 1 {
		vs.Std = stat.StdDev(sorted, nil)
	}
	vs.Min = sorted[0]
	vs.Max = sorted[len(sorted)-1]
	if mid := len(sorted) / 2; len(sorted)%2 == 1 {
		vs.Median = sorted[mid]
	} else {
		vs.Median = (sorted[mid-1] + sorted[mid]) / 2
	}
	return vs
}

// maxTStatistic caps the statistic reported for zero-variance samples.
const maxTStatistic = 1e9

// welch runs a two-sided Welch's t-test of challenger against control.
func welch(control, challenger models.VariantStats, xs, ys []float64, level float64) *models.SignificanceTest {
	t := &models.SignificanceTest{ControlID: control.VariantID, ChallengerID: challenger.VariantID, PValue: 1}
	if control.Mean != 0 {
		t.Lift = (challenger.Mean - control.Mean) / math.Abs(control.Mean)
	}
	n1, n2 := float64(len(xs)), float64(len(ys))
	if n1 < 2 || n2 < 2 {
		return t
	}
	_, v1 := stat.MeanVariance(xs, nil)
	_, v2 := stat.MeanVariance(ys, nil)
	q1, q2 := v1/n1, v2/n2
	se := math.Sqrt(q1 + q2)
	diff := challenger.Mean - control.Mean

	if se == 0 {
		if diff != 0 {
			// Identical samples within each variant; JSON has no Inf.
			t.TStatistic = math.Copysign(maxTStatistic, diff)
			t.PValue = 0
			t.DF = n1 + n2 - 2
			t.Significant = true
		}
		return t
	}
	t.TStatistic = diff / se
	t.DF = (q1 + q2) * (q1 + q2) / (q1*q1/(n1-1) + q2*q2/(n2-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: t.DF}
	t.PValue = 2 * (1 - dist.CDF(math.Abs(t.TStatistic)))
	t.Significant = t.PValue < 1-level
	return t
}

// recommend names a winner when the test is significant and grades
// confidence by sample adequacy and p-value.
func recommend(exp *models.Experiment, a *models.Analysis, control models.VariantStats, challenger *models.VariantStats) models.Recommendation {
	if challenger == nil || a.Test == nil {
		return models.Recommendation{Confidence: "low", Reason: "not enough results to compare variants"}
	}
	adequacy := 1.0
	if exp.MinSampleSize > 0 {
		adequacy = math.Min(1, float64(a.TotalN)/float64(exp.MinSampleSize))
	}
	score := adequacy * (1 - a.Test.PValue)
	r := models.Recommendation{ConfidenceScore: math.Round(score*1000) / 1000, Confidence: grade(score)}

	lift := fmt.Sprintf("%+.1f%%", a.Test.Lift*100)
	switch {
	case !a.Test.Significant:
		r.Reason = fmt.Sprintf("%s vs %s: lift %s on %s is not significant (p=%.3f)",
			challenger.Name, control.Name, lift, a.Metric, a.Test.PValue)
	case challenger.Mean > control.Mean:
		r.WinnerID = challenger.VariantID
		r.Reason = fmt.Sprintf("%s beats %s by %s on %s (p=%.4f)",
			challenger.Name, control.Name, lift, a.Metric, a.Test.PValue)
	default:
		r.WinnerID = control.VariantID
		r.Reason = fmt.Sprintf("control %s outperforms the best challenger %s (lift %s on %s, p=%.4f)",
			control.Name, challenger.Name, lift, a.Metric, a.Test.PValue)
	}
	if !a.SufficientSample {
		r.Reason += fmt.Sprintf("; only %d of %d required samples", a.TotalN, exp.MinSampleSize)
	}
	r.Reason += fmt.Sprintf("; %s confidence = sample adequacy %.0f%% (n=%d) x (1-p)", r.Confidence, adequacy*100, a.TotalN)
	return r
}

func grade(score float64) string {
	switch {
	case score >= 0.85:
		return "high"
	case score >= 0.6:
		return "medium"
	}
	return "low"
}
