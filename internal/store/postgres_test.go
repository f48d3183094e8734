package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gamebench/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func testAttempt(hash string) *model.PredictionAttempt {
	now := time.Now().UTC()
	return &model.PredictionAttempt{
		PositionHash:         hash,
		GameID:               model.MustGameID("abcd1234"),
		MoveIndex:            20,
		PositionKey:          "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -",
		Pool:                 "fast",
		ChallengerPrediction: model.OutcomeFavorA,
		ChallengerConfidence: 0.6,
		Archetype:            model.WeightMaterial,
		BaselinePrediction:   model.OutcomeEven,
		BaselineConfidence:   0.1,
		BaselineDepth:        12,
		Actual:               model.OutcomeFavorA,
		ChallengerCorrect:    true,
		CreatedAt:            now,
		ResolvedAt:           now,
	}
}

func TestPostgresStore_InsertAttempt_Inserted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prediction_attempts .* ON CONFLICT \(position_hash\) DO NOTHING`).
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	a := testAttempt("hash-1")
	inserted, err := s.InsertAttempt(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAttempt_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prediction_attempts`).
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.InsertAttempt(context.Background(), testAttempt("hash-1"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAttempt_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prediction_attempts`).
		WithArgs(anyArgs(17)...).
		WillReturnError(errors.New("connection reset"))

	_, err := s.InsertAttempt(context.Background(), testAttempt("hash-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert attempt hash-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HasAttempt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT 1 FROM prediction_attempts WHERE position_hash = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT 1 FROM prediction_attempts WHERE position_hash = \$1`).
		WithArgs("present").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	ok, err := s.HasAttempt(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasAttempt(context.Background(), "present")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendLedgerEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO ledger_entries .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("abcd1234", "accepted", "fast", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendLedgerEntry(context.Background(), model.LedgerEntry{
		ID:        model.MustGameID("lichess:abcd1234"),
		Status:    model.LedgerAccepted,
		Pool:      "fast",
		FirstSeen: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendLedgerEntries_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"id", "status", "pool", "reason", "first_seen"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_ledger_entries"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "ledger_entries" .* DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	now := time.Now()
	n, err := s.AppendLedgerEntries(context.Background(), []model.LedgerEntry{
		{ID: model.MustGameID("abcd1234"), Status: model.LedgerFailed, Reason: "no moves", FirstSeen: now},
		{ID: model.MustGameID("efgh5678"), Status: model.LedgerFailed, Reason: "bad result", FirstSeen: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLedgerEntries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, status, pool, reason, first_seen FROM ledger_entries WHERE id > \$1 ORDER BY id LIMIT \$2`).
		WithArgs("", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "pool", "reason", "first_seen"}).
			AddRow("abcd1234", "accepted", "fast", "", now).
			AddRow("efgh5678", "permanently_failed", "deep", "engine timeout", now))

	entries, err := s.ListLedgerEntries(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "abcd1234", entries[0].ID.String())
	assert.Equal(t, model.LedgerFailed, entries[1].Status)
	assert.Equal(t, "engine timeout", entries[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadEvolutionState_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT generation, weights, fitness, status, auto_deploy, updated_at FROM evolution_state`).
		WithArgs(model.EvolutionStateID).
		WillReturnError(pgx.ErrNoRows)

	st, err := s.LoadEvolutionState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadEvolutionState_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM evolution_state WHERE id = \$1`).
		WithArgs(model.EvolutionStateID).
		WillReturnRows(pgxmock.NewRows([]string{"generation", "weights", "fitness", "status", "auto_deploy", "updated_at"}).
			AddRow(3, []byte(`{"material":0.6,"tempo":0.4}`), 0.58, "testing", true, now))

	st, err := s.LoadEvolutionState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 3, st.Generation)
	assert.Equal(t, model.DeploymentTesting, st.Status)
	assert.True(t, st.AutoDeploy)
	assert.InDelta(t, 0.6, st.Weights["material"], 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveEvolutionState_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO evolution_state .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(model.EvolutionStateID, 0, pgxmock.AnyArg(), 0.0, "baseline", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveEvolutionState(context.Background(), model.NewEvolutionState(false))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPromotion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO promotions .* ON CONFLICT \(generation\) DO NOTHING`).
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordPromotion(context.Background(), &model.PromotionSnapshot{
		Generation: 4, Accuracy: 0.61, BaselineAccuracy: 0.55, Improvement: 0.06,
		PValue: 0.01, SampleSize: 400, Weights: model.DefaultWeights(), PromotedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteBatchRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batch_runs SET`).
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteBatchRun(context.Background(), &model.BatchRun{ID: "missing", Status: model.BatchComplete})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch run not found: missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSummaries_FilterByPool(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM benchmark_summaries WHERE pool = \$1 ORDER BY computed_at DESC LIMIT \$2`).
		WithArgs("fast", 5).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"pool":"fast","total":100,"challenger_accuracy":0.6}`)))

	sums, err := s.ListSummaries(context.Background(), "fast", 5)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 100, sums[0].Total)
	assert.InDelta(t, 0.6, sums[0].ChallengerAccuracy, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
