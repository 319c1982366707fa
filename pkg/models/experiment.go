package models

import (
	"encoding/json"
	"time"
)

type ExperimentType string

const (
	ExperimentPrompt      ExperimentType = "prompt"
	ExperimentModel       ExperimentType = "model"
	ExperimentAgentConfig ExperimentType = "agent_config"
	ExperimentFeature     ExperimentType = "feature"
	ExperimentWorkflow    ExperimentType = "workflow"
)

// Valid reports whether t is a known experiment type.
func (t ExperimentType) Valid() bool {
	switch t {
	case ExperimentPrompt, ExperimentModel, ExperimentAgentConfig, ExperimentFeature, ExperimentWorkflow:
		return true
	}
	return false
}

type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentArchived  ExperimentStatus = "archived"
)

// Variant is one arm of an experiment. Config is opaque to the engine.
type Variant struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	IsControl         bool            `json:"is_control"`
	TrafficAllocation float64         `json:"traffic_allocation"`
	Config            json.RawMessage `json:"config,omitempty"`
}

// Experiment is a controlled study over variants.
type Experiment struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Type             ExperimentType   `json:"type"`
	Status           ExperimentStatus `json:"status"`
	PrimaryMetric    string           `json:"primary_metric"`
	SecondaryMetrics []string         `json:"secondary_metrics,omitempty"`
	TargetPercentage float64          `json:"target_percentage"`
	MinSampleSize    int              `json:"min_sample_size"`
	ConfidenceLevel  float64          `json:"confidence_level"`
	WinningVariantID *string          `json:"winning_variant_id"`
	Variants         []Variant        `json:"variants"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
}

// Variant returns the variant with the given id.
func (e *Experiment) Variant(id string) (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

// Assignment permanently binds a subject to a variant.
type Assignment struct {
	ExperimentID string                 `json:"experiment_id"`
	SubjectID    string                 `json:"subject_id"`
	VariantID    string                 `json:"variant_id"`
	Context      map[string]interface{} `json:"context,omitempty"`
	AssignedAt   time.Time              `json:"assigned_at"`
}

// Result is an append-only metric observation.
type Result struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	SubjectID    string    `json:"subject_id"`
	MetricName   string    `json:"metric_name"`
	MetricValue  float64   `json:"metric_value"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// VariantStats summarizes one variant's observations of a metric.
type VariantStats struct {
	VariantID string  `json:"variant_id"`
	Name      string  `json:"name"`
	IsControl bool    `json:"is_control"`
	N         int     `json:"n"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Min       float64 `json:"min"`
	Median    float64 `json:"median"`
	Max       float64 `json:"max"`
}

// SignificanceTest is a Welch two-sample t-test result.
type SignificanceTest struct {
	ControlID    string  `json:"control_id"`
	ChallengerID string  `json:"challenger_id"`
	TStatistic   float64 `json:"t_statistic"`
	DF           float64 `json:"degrees_of_freedom"`
	PValue       float64 `json:"p_value"`
	Lift         float64 `json:"lift"`
	Significant  bool    `json:"significant"`
}

// Recommendation is the human-facing outcome of an analysis.
type Recommendation struct {
	WinnerID        string  `json:"winner_id,omitempty"`
	Confidence      string  `json:"confidence"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reason          string  `json:"reason"`
}

// Analysis is the derived aggregate for one experiment metric.
type Analysis struct {
	ExperimentID      string            `json:"experiment_id"`
	Metric            string            `json:"metric"`
	Variants          []VariantStats    `json:"variants"`
	ControlID         string            `json:"control_id"`
	Test              *SignificanceTest `json:"test,omitempty"`
	TotalN            int               `json:"total_n"`
	SufficientSample  bool              `json:"sufficient_sample_size"`
	RecommendedWinner string            `json:"recommended_winner,omitempty"`
	Recommendation    Recommendation    `json:"recommendation"`
	ConfidenceLevel   float64           `json:"confidence_level"`
	AnalyzedAt        time.Time         `json:"analyzed_at"`
}

// Insight persists an analysis.
type Insight struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	Metric       string    `json:"metric"`
	Analysis     Analysis  `json:"analysis"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExperimentSummary is the status view of an experiment.
type ExperimentSummary struct {
	Experiment    Experiment     `json:"experiment"`
	Assignments   map[string]int `json:"assignments"`
	Results       map[string]int `json:"results"`
	TotalAssigned int            `json:"total_assigned"`
	TotalResults  int            `json:"total_results"`
	LatestInsight *Insight       `json:"latest_insight,omitempty"`
}

// VariantResponse answers get-variant.
type VariantResponse struct {
	InExperiment bool     `json:"in_experiment"`
	ExperimentID string   `json:"experiment_id,omitempty"`
	Variant      *Variant `json:"variant,omitempty"`
}
