package model

import "time"

// PredictionAttempt pairs the baseline and challenger verdicts for one sample
// with the real result. At most one exists per position hash.
type PredictionAttempt struct {
	ID           string `json:"id"`
	PositionHash string `json:"position_hash"`
	GameID       GameID `json:"game_id"`
	MoveIndex    int    `json:"move_index"`
	PositionKey  string `json:"position_key"`
	Pool         string `json:"pool"`

	ChallengerPrediction Outcome `json:"challenger_prediction"`
	ChallengerConfidence float64 `json:"challenger_confidence"`
	Archetype            string  `json:"archetype"`

	BaselinePrediction Outcome `json:"baseline_prediction"`
	BaselineConfidence float64 `json:"baseline_confidence"`
	BaselineDepth      int     `json:"baseline_depth"`

	Actual            Outcome `json:"actual"`
	ChallengerCorrect bool    `json:"challenger_correct"`
	BaselineCorrect   bool    `json:"baseline_correct"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// BatchRunStatus is the lifecycle state of a batch run.
type BatchRunStatus string

const (
	BatchRunning  BatchRunStatus = "running"
	BatchComplete BatchRunStatus = "complete"
	BatchPartial  BatchRunStatus = "partial"
	BatchFailed   BatchRunStatus = "failed"
)

// BatchRun records one fetch/process pass of a pool.
type BatchRun struct {
	ID          string         `json:"id"`
	Pool        string         `json:"pool"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Fetched     int            `json:"fetched"`
	Accepted    int            `json:"accepted"`
	Rejected    int            `json:"rejected"`
	Failed      int            `json:"failed"`
	Malformed   int            `json:"malformed"`
	Status      BatchRunStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
