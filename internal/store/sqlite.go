package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/gamebench/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	pool       TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	first_seen DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS prediction_attempts (
	id                    TEXT PRIMARY KEY,
	position_hash         TEXT NOT NULL UNIQUE,
	game_id               TEXT NOT NULL,
	move_index            INTEGER NOT NULL,
	position_key          TEXT NOT NULL,
	pool                  TEXT NOT NULL,
	challenger_prediction TEXT NOT NULL,
	challenger_confidence REAL NOT NULL,
	archetype             TEXT NOT NULL,
	baseline_prediction   TEXT NOT NULL,
	baseline_confidence   REAL NOT NULL,
	baseline_depth        INTEGER NOT NULL,
	actual                TEXT NOT NULL,
	challenger_correct    INTEGER NOT NULL,
	baseline_correct      INTEGER NOT NULL,
	created_at            DATETIME NOT NULL,
	resolved_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id           TEXT PRIMARY KEY,
	pool         TEXT NOT NULL,
	window_start DATETIME NOT NULL,
	window_end   DATETIME NOT NULL,
	fetched      INTEGER NOT NULL DEFAULT 0,
	accepted     INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	malformed    INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'running',
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS evolution_state (
	id          TEXT PRIMARY KEY,
	generation  INTEGER NOT NULL,
	weights     TEXT NOT NULL,
	fitness     REAL NOT NULL,
	status      TEXT NOT NULL,
	auto_deploy INTEGER NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS promotions (
	id                TEXT PRIMARY KEY,
	generation        INTEGER NOT NULL UNIQUE,
	accuracy          REAL NOT NULL,
	baseline_accuracy REAL NOT NULL,
	improvement       REAL NOT NULL,
	p_value           REAL NOT NULL,
	sample_size       INTEGER NOT NULL,
	weights           TEXT NOT NULL,
	promoted_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS benchmark_summaries (
	id           TEXT PRIMARY KEY,
	pool         TEXT NOT NULL,
	batch_run_id TEXT NOT NULL DEFAULT '',
	total        INTEGER NOT NULL,
	data         TEXT NOT NULL,
	computed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_pool_hash ON prediction_attempts(pool, position_hash);
CREATE INDEX IF NOT EXISTS idx_batch_runs_pool ON batch_runs(pool, started_at);
CREATE INDEX IF NOT EXISTS idx_summaries_pool ON benchmark_summaries(pool, computed_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Ledger ---

func (s *SQLiteStore) AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_entries (id, status, pool, reason, first_seen) VALUES (?, ?, ?, ?, ?)`,
		e.ID.String(), string(e.Status), e.Pool, e.Reason, e.FirstSeen.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append ledger entry %s", e.ID)
}

func (s *SQLiteStore) AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: append ledger entries: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO ledger_entries (id, status, pool, reason, first_seen) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: append ledger entries: prepare")
	}
	defer stmt.Close()

	var inserted int
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.ID.String(), string(e.Status), e.Pool, e.Reason, e.FirstSeen.UTC())
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: append ledger entry %s", e.ID)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: append ledger entries: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, after string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, pool, reason, first_seen FROM ledger_entries WHERE id > ? ORDER BY id LIMIT ?`,
		after, pageLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger entries")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var id string
		if err := rows.Scan(&id, &e.Status, &e.Pool, &e.Reason, &e.FirstSeen); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		if e.ID, err = model.ParseGameID(id); err != nil {
			return nil, eris.Wrap(err, "sqlite: ledger entry id")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list ledger entries iterate")
}

// --- Attempts ---

const attemptColumns = `id, position_hash, game_id, move_index, position_key, pool,
	challenger_prediction, challenger_confidence, archetype,
	baseline_prediction, baseline_confidence, baseline_depth,
	actual, challenger_correct, baseline_correct, created_at, resolved_at`

func (s *SQLiteStore) InsertAttempt(ctx context.Context, a *model.PredictionAttempt) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prediction_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (position_hash) DO NOTHING`,
		a.ID, a.PositionHash, a.GameID.String(), a.MoveIndex, a.PositionKey, a.Pool,
		string(a.ChallengerPrediction), a.ChallengerConfidence, a.Archetype,
		string(a.BaselinePrediction), a.BaselineConfidence, a.BaselineDepth,
		string(a.Actual), a.ChallengerCorrect, a.BaselineCorrect, a.CreatedAt.UTC(), a.ResolvedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert attempt %s", a.PositionHash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) HasAttempt(ctx context.Context, positionHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM prediction_attempts WHERE position_hash = ?`, positionHash,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has attempt %s", positionHash)
	}
	return true, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.PredictionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM prediction_attempts WHERE position_hash > ?`
	args := []any{filter.After}
	if filter.Pool != "" && filter.Pool != model.PoolAll {
		query += ` AND pool = ?`
		args = append(args, filter.Pool)
	}
	query += ` ORDER BY position_hash LIMIT ?`
	args = append(args, pageLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var out []model.PredictionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// --- Batch runs ---

func (s *SQLiteStore) CreateBatchRun(ctx context.Context, run *model.BatchRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.BatchRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, pool, window_start, window_end, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pool, run.WindowStart.UTC(), run.WindowEnd.UTC(), string(run.Status), run.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert batch run for pool %s", run.Pool)
}

func (s *SQLiteStore) CompleteBatchRun(ctx context.Context, run *model.BatchRun) error {
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET window_start = ?, window_end = ?, fetched = ?, accepted = ?, rejected = ?,
		failed = ?, malformed = ?, status = ?, error = ?, completed_at = ? WHERE id = ?`,
		run.WindowStart.UTC(), run.WindowEnd.UTC(), run.Fetched, run.Accepted, run.Rejected,
		run.Failed, run.Malformed, string(run.Status), run.Error, run.CompletedAt.UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete batch run %s", run.ID)
	}
	return checkRowsAffected(res, "batch run", run.ID)
}

func (s *SQLiteStore) ListBatchRuns(ctx context.Context, pool string, limit int) ([]model.BatchRun, error) {
	query := `SELECT id, pool, window_start, window_end, fetched, accepted, rejected, failed, malformed,
		status, error, started_at, completed_at FROM batch_runs`
	var args []any
	if pool != "" && pool != model.PoolAll {
		query += ` WHERE pool = ?`
		args = append(args, pool)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, pageLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batch runs")
	}
	defer rows.Close()

	var out []model.BatchRun
	for rows.Next() {
		var r model.BatchRun
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Pool, &r.WindowStart, &r.WindowEnd, &r.Fetched, &r.Accepted,
			&r.Rejected, &r.Failed, &r.Malformed, &r.Status, &r.Error, &r.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch run")
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batch runs iterate")
}

// --- Evolution ---

func (s *SQLiteStore) LoadEvolutionState(ctx context.Context) (*model.EvolutionState, error) {
	var st model.EvolutionState
	var weights string
	err := s.db.QueryRowContext(ctx,
		`SELECT generation, weights, fitness, status, auto_deploy, updated_at FROM evolution_state WHERE id = ?`,
		model.EvolutionStateID,
	).Scan(&st.Generation, &weights, &st.Fitness, &st.Status, &st.AutoDeploy, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load evolution state")
	}
	if err := json.Unmarshal([]byte(weights), &st.Weights); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal weights")
	}
	return &st, nil
}

func (s *SQLiteStore) SaveEvolutionState(ctx context.Context, st *model.EvolutionState) error {
	weights, err := json.Marshal(st.Weights)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal weights")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evolution_state (id, generation, weights, fitness, status, auto_deploy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET generation = excluded.generation, weights = excluded.weights,
		fitness = excluded.fitness, status = excluded.status, auto_deploy = excluded.auto_deploy,
		updated_at = excluded.updated_at`,
		model.EvolutionStateID, st.Generation, string(weights), st.Fitness, string(st.Status), st.AutoDeploy, st.UpdatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save evolution state")
}

func (s *SQLiteStore) RecordPromotion(ctx context.Context, snap *model.PromotionSnapshot) error {
	weights, err := json.Marshal(snap.Weights)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal weights")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO promotions (id, generation, accuracy, baseline_accuracy, improvement, p_value, sample_size, weights, promoted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (generation) DO NOTHING`,
		uuid.New().String(), snap.Generation, snap.Accuracy, snap.BaselineAccuracy, snap.Improvement,
		snap.PValue, snap.SampleSize, string(weights), snap.PromotedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record promotion gen %d", snap.Generation)
}

func (s *SQLiteStore) ListPromotions(ctx context.Context, limit int) ([]model.PromotionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation, accuracy, baseline_accuracy, improvement, p_value, sample_size, weights, promoted_at
		FROM promotions ORDER BY promoted_at DESC LIMIT ?`, pageLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list promotions")
	}
	defer rows.Close()

	var out []model.PromotionSnapshot
	for rows.Next() {
		var p model.PromotionSnapshot
		var weights string
		if err := rows.Scan(&p.Generation, &p.Accuracy, &p.BaselineAccuracy, &p.Improvement,
			&p.PValue, &p.SampleSize, &weights, &p.PromotedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan promotion")
		}
		if err := json.Unmarshal([]byte(weights), &p.Weights); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal weights")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list promotions iterate")
}

// --- Summaries ---

func (s *SQLiteStore) SaveSummary(ctx context.Context, sum *model.BenchmarkSummary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO benchmark_summaries (id, pool, batch_run_id, total, data, computed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sum.Pool, sum.BatchRunID, sum.Total, string(data), sum.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save summary for pool %s", sum.Pool)
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, pool string, limit int) ([]model.BenchmarkSummary, error) {
	query := `SELECT data FROM benchmark_summaries`
	var args []any
	if pool != "" {
		query += ` WHERE pool = ?`
		args = append(args, pool)
	}
	query += ` ORDER BY computed_at DESC LIMIT ?`
	args = append(args, pageLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list summaries")
	}
	defer rows.Close()

	var out []model.BenchmarkSummary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		var sum model.BenchmarkSummary
		if err := json.Unmarshal([]byte(data), &sum); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list summaries iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAttempt(row scannable) (*model.PredictionAttempt, error) {
	var a model.PredictionAttempt
	var gameID string
	err := row.Scan(&a.ID, &a.PositionHash, &gameID, &a.MoveIndex, &a.PositionKey, &a.Pool,
		&a.ChallengerPrediction, &a.ChallengerConfidence, &a.Archetype,
		&a.BaselinePrediction, &a.BaselineConfidence, &a.BaselineDepth,
		&a.Actual, &a.ChallengerCorrect, &a.BaselineCorrect, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		return nil, eris.Wrap(err, "scan attempt")
	}
	if a.GameID, err = model.ParseGameID(gameID); err != nil {
		return nil, eris.Wrap(err, "scan attempt: game id")
	}
	return &a, nil
}
