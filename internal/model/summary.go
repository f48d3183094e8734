package model

import "time"

// PoolAll labels summaries aggregated across every pool.
const PoolAll = "all"

// Interval is a closed confidence interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// BenchmarkSummary aggregates a set of prediction attempts.
type BenchmarkSummary struct {
	Pool       string `json:"pool"`
	BatchRunID string `json:"batch_run_id,omitempty"`
	Total      int    `json:"total"`

	ChallengerAccuracy float64 `json:"challenger_accuracy"`
	BaselineAccuracy   float64 `json:"baseline_accuracy"`
	Improvement        float64 `json:"improvement"`

	ChallengerOnlyCorrect int `json:"challenger_only_correct"`
	BaselineOnlyCorrect   int `json:"baseline_only_correct"`
	BothCorrect           int `json:"both_correct"`
	BothWrong             int `json:"both_wrong"`

	ZScore       float64  `json:"z_score"`
	PValue       float64  `json:"p_value"`
	Significant  bool     `json:"significant"`
	ChallengerCI Interval `json:"challenger_ci"`
	BaselineCI   Interval `json:"baseline_ci"`
	CohensD      float64  `json:"cohens_d"`

	ComputedAt time.Time `json:"computed_at"`
}
