package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gamebench/internal/model"
)

type mockStore struct {
	runs      []model.BatchRun
	state     *model.EvolutionState
	summaries []model.BenchmarkSummary
	runsErr   error
}

func (m *mockStore) ListBatchRuns(_ context.Context, _ string, _ int) ([]model.BatchRun, error) {
	return m.runs, m.runsErr
}

func (m *mockStore) LoadEvolutionState(context.Context) (*model.EvolutionState, error) {
	return m.state, nil
}

func (m *mockStore) ListSummaries(_ context.Context, pool string, _ int) ([]model.BenchmarkSummary, error) {
	var out []model.BenchmarkSummary
	for _, s := range m.summaries {
		if s.Pool == pool {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestCollector_Collect(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		runs: []model.BatchRun{
			{Status: model.BatchComplete, Fetched: 40, Accepted: 30, Malformed: 4, StartedAt: now.Add(-time.Hour)},
			{Status: model.BatchFailed, Fetched: 10, Failed: 2, StartedAt: now.Add(-2 * time.Hour)},
			{Status: model.BatchPartial, Fetched: 10, Accepted: 5, StartedAt: now.Add(-3 * time.Hour)},
			{Status: model.BatchRunning, StartedAt: now.Add(-time.Minute)},
			// Outside the window.
			{Status: model.BatchFailed, Fetched: 99, StartedAt: now.Add(-48 * time.Hour)},
		},
		state: &model.EvolutionState{Generation: 3, Status: model.DeploymentTesting},
		summaries: []model.BenchmarkSummary{
			{Pool: "fast", ChallengerAccuracy: 0.9},
			{Pool: model.PoolAll, ChallengerAccuracy: 0.6, BaselineAccuracy: 0.55, Total: 300},
		},
	}

	snap, err := NewCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.BatchTotal)
	assert.Equal(t, 1, snap.BatchComplete)
	assert.Equal(t, 1, snap.BatchFailed)
	assert.Equal(t, 1, snap.BatchPartial)
	assert.Equal(t, 1, snap.BatchRunning)
	assert.InDelta(t, 1.0/3, snap.BatchFailRate, 1e-9)
	assert.Equal(t, 60, snap.GamesFetched)
	assert.Equal(t, 35, snap.GamesAccepted)
	assert.Equal(t, 2, snap.GamesFailed)
	assert.InDelta(t, 4.0/60, snap.MalformedRate, 1e-9)
	assert.Equal(t, 3, snap.Generation)
	assert.Equal(t, "testing", snap.DeploymentStatus)
	assert.InDelta(t, 0.6, snap.ChallengerAccuracy, 1e-9)
	assert.Equal(t, 300, snap.Samples)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := NewCollector(&mockStore{}).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.BatchTotal)
	assert.Zero(t, snap.BatchFailRate)
	assert.Empty(t, snap.DeploymentStatus)
}

func TestCollector_StoreError(t *testing.T) {
	_, err := NewCollector(&mockStore{runsErr: errors.New("db down")}).Collect(context.Background(), 1)
	assert.Error(t, err)
}
