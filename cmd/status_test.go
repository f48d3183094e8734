package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/store"
)

func seededStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &model.BatchRun{ID: "run-1", Pool: "fast", Fetched: 10, Accepted: 8, Rejected: 1, Malformed: 1, Status: model.BatchRunning, StartedAt: started}
	require.NoError(t, st.CreateBatchRun(ctx, run))
	done := started.Add(time.Minute)
	run.Status = model.BatchComplete
	run.CompletedAt = &done
	require.NoError(t, st.CompleteBatchRun(ctx, run))

	require.NoError(t, st.SaveSummary(ctx, &model.BenchmarkSummary{
		Pool: "fast", BatchRunID: "run-1", Total: 8,
		ChallengerAccuracy: 0.625, BaselineAccuracy: 0.5, Improvement: 0.125,
		PValue: 0.3, ComputedAt: done,
	}))

	evo := model.NewEvolutionState(true)
	evo.Generation = 2
	evo.Status = model.DeploymentTesting
	require.NoError(t, st.SaveEvolutionState(ctx, evo))
	return st
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"table", "YAML", "json"} {
		_, err := parseFormat(in)
		assert.NoError(t, err, in)
	}
	_, err := parseFormat("csv")
	assert.Error(t, err)
}

func TestBuildStatusReport(t *testing.T) {
	st := seededStore(t)
	r, err := buildStatusReport(context.Background(), st, []string{"deep", "fast"}, 10)
	require.NoError(t, err)

	require.NotNil(t, r.Evolution)
	assert.Equal(t, 2, r.Evolution.Generation)
	assert.True(t, r.Evolution.AutoDeploy)

	require.Len(t, r.Pools, 2)
	assert.Nil(t, r.Pools[0].LastRun)
	require.NotNil(t, r.Pools[1].LastRun)
	assert.Equal(t, model.BatchComplete, r.Pools[1].LastRun.Status)

	require.Len(t, r.Summaries, 1)
	assert.Equal(t, 8, r.Summaries[0].Total)
	assert.Empty(t, r.Promotions)
}

func TestBuildStatusReport_EmptyStore(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	r, err := buildStatusReport(context.Background(), st, []string{"fast"}, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Evolution.Generation)
	assert.Equal(t, model.DeploymentBaseline, r.Evolution.Status)
}

func TestRenderStatus_Table(t *testing.T) {
	r, err := buildStatusReport(context.Background(), seededStore(t), []string{"deep", "fast"}, 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, r, formatTable))
	out := buf.String()
	assert.Contains(t, out, "Generation 2  status=testing  auto_deploy=true")
	assert.Contains(t, out, "material=0.200")
	assert.Contains(t, out, "POOL")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "0.625")
}

func TestRenderStatus_JSONAndYAML(t *testing.T) {
	r, err := buildStatusReport(context.Background(), seededStore(t), []string{"fast"}, 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, r, formatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "evolution")
	assert.Contains(t, decoded, "recent_summaries")

	buf.Reset()
	require.NoError(t, renderStatus(&buf, r, formatYAML))
	var y map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &y))
	evo, ok := y["evolution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, evo["generation"])
	assert.Equal(t, "testing", evo["status"])
}

func TestRenderSummary(t *testing.T) {
	s := model.BenchmarkSummary{Pool: "fast", Total: 100, ChallengerAccuracy: 0.6, BaselineAccuracy: 0.4, Improvement: 0.2, ZScore: 2.89, PValue: 0.0039, Significant: true}

	var buf bytes.Buffer
	require.NoError(t, renderSummary(&buf, s, "table"))
	assert.Contains(t, buf.String(), "+0.200")
	assert.Contains(t, buf.String(), "true")

	buf.Reset()
	require.NoError(t, renderSummary(&buf, s, "json"))
	assert.Contains(t, buf.String(), `"significant": true`)

	assert.Error(t, renderSummary(&buf, s, "xml"))
}
