package ledger

import (
	"context"
	"math"
	"time"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// Health weights, in component order.
const (
	weightAutonomy   = 0.30
	weightAcceptance = 0.25
	weightSuccess    = 0.25
	weightConfidence = 0.10
	weightImpact     = 0.10

	// trendBand is the score delta below which the trend is stable.
	trendBand = 2.0
)

// MaxWindowDays bounds the health window.
const MaxWindowDays = 365

// Health scores the last windowDays UTC days (today included) and compares
// them with the preceding window of the same length.
func (l *Ledger) Health(ctx context.Context, windowDays int, agentID string) (*models.HealthReport, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	if windowDays > MaxWindowDays {
		return nil, models.NewError(models.KindValidation, "", "window_days must be at most %d", MaxWindowDays)
	}
	now := l.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(windowDays - 1))
	prevFrom := from.AddDate(0, 0, -windowDays)

	cur, err := l.sum(ctx, from, windowDays, agentID)
	if err != nil {
		return nil, err
	}
	prev, err := l.sum(ctx, prevFrom, windowDays, agentID)
	if err != nil {
		return nil, err
	}

	comp, score := scoreOf(cur)
	_, prevScore := scoreOf(prev)
	trend := models.HealthTrend{Direction: "stable", PreviousScore: prevScore}
	if prev.Total > 0 && cur.Total > 0 {
		trend.Delta = round2(score - prevScore)
		switch {
		case trend.Delta >= trendBand:
			trend.Direction = "improving"
		case trend.Delta <= -trendBand:
			trend.Direction = "declining"
		}
	}

	if agentID != "" {
		l.metrics.HealthScore(agentID, score)
	} else {
		l.metrics.HealthScore("all", score)
	}
	return &models.HealthReport{
		WindowDays:  windowDays,
		AgentID:     agentID,
		From:        from,
		To:          today.Add(24 * time.Hour),
		Actions:     cur.Total,
		Score:       score,
		Components:  comp,
		Trend:       trend,
		GeneratedAt: now,
	}, nil
}

func (l *Ledger) sum(ctx context.Context, from time.Time, days int, agentID string) (models.DailyRollup, error) {
	var total models.DailyRollup
	for i := 0; i < days; i++ {
		r, err := l.DailyRollup(ctx, from.AddDate(0, 0, i).Format(dateLayout), agentID)
		if err != nil {
			return total, err
		}
		total.Total += r.Total
		total.Full += r.Full
		total.Approved += r.Approved
		total.Rejected += r.Rejected
		total.Success += r.Success
		total.Failure += r.Failure
		total.Escalated += r.Escalated
		total.Cancelled += r.Cancelled
		total.SumConfidence += r.SumConfidence
		total.SumImpact += r.SumImpact
	}
	return total, nil
}

// scoreOf turns aggregated counts into components and a 0–100 score. With no
// approval decisions the acceptance rate counts as 1. An empty window scores 0.
func scoreOf(r models.DailyRollup) (models.HealthComponents, float64) {
	if r.Total == 0 {
		return models.HealthComponents{}, 0
	}
	n := float64(r.Total)
	c := models.HealthComponents{
		AutonomyRate:           float64(r.Full) / n,
		ApprovalAcceptanceRate: 1,
		SuccessRate:            float64(r.Success) / n,
		MeanConfidence:         clamp01(r.SumConfidence / n),
		MeanImpact:             clamp01(r.SumImpact / n),
	}
	if decided := r.Approved + r.Rejected; decided > 0 {
		c.ApprovalAcceptanceRate = float64(r.Approved) / float64(decided)
	}
	score := 100 * (weightAutonomy*c.AutonomyRate +
		weightAcceptance*c.ApprovalAcceptanceRate +
		weightSuccess*c.SuccessRate +
		weightConfidence*c.MeanConfidence +
		weightImpact*c.MeanImpact)
	return c, round2(score)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
