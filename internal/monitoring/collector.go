package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gamebench/internal/model"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Batch metrics (within lookback window).
	BatchTotal    int     `json:"batch_total"`
	BatchComplete int     `json:"batch_complete"`
	BatchPartial  int     `json:"batch_partial"`
	BatchFailed   int     `json:"batch_failed"`
	BatchRunning  int     `json:"batch_running"`
	BatchFailRate float64 `json:"batch_fail_rate"`

	// Game counts summed over the same batches.
	GamesFetched   int     `json:"games_fetched"`
	GamesAccepted  int     `json:"games_accepted"`
	GamesFailed    int     `json:"games_failed"`
	GamesMalformed int     `json:"games_malformed"`
	MalformedRate  float64 `json:"malformed_rate"`

	// Challenger state.
	Generation         int     `json:"generation"`
	DeploymentStatus   string  `json:"deployment_status"`
	ChallengerAccuracy float64 `json:"challenger_accuracy"`
	BaselineAccuracy   float64 `json:"baseline_accuracy"`
	Samples            int     `json:"samples"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// CollectorStore is the store subset the collector reads.
type CollectorStore interface {
	ListBatchRuns(ctx context.Context, pool string, limit int) ([]model.BatchRun, error)
	LoadEvolutionState(ctx context.Context) (*model.EvolutionState, error)
	ListSummaries(ctx context.Context, pool string, limit int) ([]model.BenchmarkSummary, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store CollectorStore
}

// NewCollector creates a new metrics collector.
func NewCollector(st CollectorStore) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListBatchRuns(ctx, model.PoolAll, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batch runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.BatchTotal++
		switch r.Status {
		case model.BatchComplete:
			snap.BatchComplete++
		case model.BatchPartial:
			snap.BatchPartial++
		case model.BatchFailed:
			snap.BatchFailed++
		case model.BatchRunning:
			snap.BatchRunning++
		}
		snap.GamesFetched += r.Fetched
		snap.GamesAccepted += r.Accepted
		snap.GamesFailed += r.Failed
		snap.GamesMalformed += r.Malformed
	}
	if finished := snap.BatchTotal - snap.BatchRunning; finished > 0 {
		snap.BatchFailRate = float64(snap.BatchFailed) / float64(finished)
	}
	if snap.GamesFetched > 0 {
		snap.MalformedRate = float64(snap.GamesMalformed) / float64(snap.GamesFetched)
	}

	st, err := c.store.LoadEvolutionState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: load evolution state")
	}
	if st != nil {
		snap.Generation = st.Generation
		snap.DeploymentStatus = string(st.Status)
	}

	sums, err := c.store.ListSummaries(ctx, model.PoolAll, 1)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list summaries")
	}
	if len(sums) > 0 {
		snap.ChallengerAccuracy = sums[0].ChallengerAccuracy
		snap.BaselineAccuracy = sums[0].BaselineAccuracy
		snap.Samples = sums[0].Total
	}
	return snap, nil
}
