package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/gamebench/internal/db"
	"github.com/sells-group/gamebench/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-game hot path.
var preparedStatements = map[string]string{
	"append_ledger":  `INSERT INTO ledger_entries (id, status, pool, reason, first_seen) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
	"has_attempt":    `SELECT 1 FROM prediction_attempts WHERE position_hash = $1`,
	"insert_attempt": insertAttemptSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	pool       TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	first_seen TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prediction_attempts (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	position_hash         TEXT NOT NULL UNIQUE,
	game_id               TEXT NOT NULL,
	move_index            INTEGER NOT NULL,
	position_key          TEXT NOT NULL,
	pool                  TEXT NOT NULL,
	challenger_prediction TEXT NOT NULL,
	challenger_confidence DOUBLE PRECISION NOT NULL,
	archetype             TEXT NOT NULL,
	baseline_prediction   TEXT NOT NULL,
	baseline_confidence   DOUBLE PRECISION NOT NULL,
	baseline_depth        INTEGER NOT NULL,
	actual                TEXT NOT NULL,
	challenger_correct    BOOLEAN NOT NULL,
	baseline_correct      BOOLEAN NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	pool         TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_end   TIMESTAMPTZ NOT NULL,
	fetched      INTEGER NOT NULL DEFAULT 0,
	accepted     INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	malformed    INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'running',
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS evolution_state (
	id          TEXT PRIMARY KEY,
	generation  INTEGER NOT NULL,
	weights     JSONB NOT NULL,
	fitness     DOUBLE PRECISION NOT NULL,
	status      TEXT NOT NULL,
	auto_deploy BOOLEAN NOT NULL DEFAULT false,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS promotions (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	generation        INTEGER NOT NULL UNIQUE,
	accuracy          DOUBLE PRECISION NOT NULL,
	baseline_accuracy DOUBLE PRECISION NOT NULL,
	improvement       DOUBLE PRECISION NOT NULL,
	p_value           DOUBLE PRECISION NOT NULL,
	sample_size       INTEGER NOT NULL,
	weights           JSONB NOT NULL,
	promoted_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS benchmark_summaries (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	pool         TEXT NOT NULL,
	batch_run_id TEXT NOT NULL DEFAULT '',
	total        INTEGER NOT NULL,
	data         JSONB NOT NULL,
	computed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attempts_pool_hash ON prediction_attempts(pool, position_hash);
CREATE INDEX IF NOT EXISTS idx_batch_runs_pool ON batch_runs(pool, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_summaries_pool ON benchmark_summaries(pool, computed_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Ledger ---

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, status, pool, reason, first_seen) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		e.ID.String(), string(e.Status), e.Pool, e.Reason, e.FirstSeen.UTC(),
	)
	return eris.Wrapf(err, "postgres: append ledger entry %s", e.ID)
}

// AppendLedgerEntries bulk-writes terminal ledger rows through COPY, leaving
// existing ids untouched.
func (s *PostgresStore) AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.ID.String(), string(e.Status), e.Pool, e.Reason, e.FirstSeen.UTC()})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "ledger_entries",
		Columns:      []string{"id", "status", "pool", "reason", "first_seen"},
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append ledger entries")
	}
	return int(n), nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, after string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, pool, reason, first_seen FROM ledger_entries WHERE id > $1 ORDER BY id LIMIT $2`,
		after, pageLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger entries")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var id, status string
		if err := rows.Scan(&id, &status, &e.Pool, &e.Reason, &e.FirstSeen); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		e.Status = model.LedgerStatus(status)
		if e.ID, err = model.ParseGameID(id); err != nil {
			return nil, eris.Wrap(err, "postgres: ledger entry id")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list ledger entries iterate")
}

// --- Attempts ---

const insertAttemptSQL = `INSERT INTO prediction_attempts (` + attemptColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (position_hash) DO NOTHING`

func (s *PostgresStore) InsertAttempt(ctx context.Context, a *model.PredictionAttempt) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx, insertAttemptSQL,
		a.ID, a.PositionHash, a.GameID.String(), a.MoveIndex, a.PositionKey, a.Pool,
		string(a.ChallengerPrediction), a.ChallengerConfidence, a.Archetype,
		string(a.BaselinePrediction), a.BaselineConfidence, a.BaselineDepth,
		string(a.Actual), a.ChallengerCorrect, a.BaselineCorrect, a.CreatedAt.UTC(), a.ResolvedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert attempt %s", a.PositionHash)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) HasAttempt(ctx context.Context, positionHash string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM prediction_attempts WHERE position_hash = $1`, positionHash,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has attempt %s", positionHash)
	}
	return true, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.PredictionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM prediction_attempts WHERE position_hash > $1`
	args := []any{filter.After}
	if filter.Pool != "" && filter.Pool != model.PoolAll {
		query += ` AND pool = $2 ORDER BY position_hash LIMIT $3`
		args = append(args, filter.Pool, pageLimit(filter.Limit))
	} else {
		query += ` ORDER BY position_hash LIMIT $2`
		args = append(args, pageLimit(filter.Limit))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.PredictionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

// --- Batch runs ---

func (s *PostgresStore) CreateBatchRun(ctx context.Context, run *model.BatchRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.BatchRunning
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_runs (id, pool, window_start, window_end, status, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Pool, run.WindowStart.UTC(), run.WindowEnd.UTC(), string(run.Status), run.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert batch run for pool %s", run.Pool)
}

func (s *PostgresStore) CompleteBatchRun(ctx context.Context, run *model.BatchRun) error {
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_runs SET window_start = $1, window_end = $2, fetched = $3, accepted = $4, rejected = $5,
		failed = $6, malformed = $7, status = $8, error = $9, completed_at = $10 WHERE id = $11`,
		run.WindowStart.UTC(), run.WindowEnd.UTC(), run.Fetched, run.Accepted, run.Rejected,
		run.Failed, run.Malformed, string(run.Status), run.Error, run.CompletedAt.UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete batch run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) ListBatchRuns(ctx context.Context, pool string, limit int) ([]model.BatchRun, error) {
	query := `SELECT id, pool, window_start, window_end, fetched, accepted, rejected, failed, malformed,
		status, error, started_at, completed_at FROM batch_runs`
	var args []any
	if pool != "" && pool != model.PoolAll {
		query += ` WHERE pool = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, pool, pageLimit(limit))
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, pageLimit(limit))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batch runs")
	}
	defer rows.Close()

	var out []model.BatchRun
	for rows.Next() {
		var r model.BatchRun
		var status string
		if err := rows.Scan(&r.ID, &r.Pool, &r.WindowStart, &r.WindowEnd, &r.Fetched, &r.Accepted,
			&r.Rejected, &r.Failed, &r.Malformed, &status, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch run")
		}
		r.Status = model.BatchRunStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batch runs iterate")
}

// --- Evolution ---

func (s *PostgresStore) LoadEvolutionState(ctx context.Context) (*model.EvolutionState, error) {
	var st model.EvolutionState
	var weights []byte
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT generation, weights, fitness, status, auto_deploy, updated_at FROM evolution_state WHERE id = $1`,
		model.EvolutionStateID,
	).Scan(&st.Generation, &weights, &st.Fitness, &status, &st.AutoDeploy, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load evolution state")
	}
	st.Status = model.DeploymentStatus(status)
	if err := json.Unmarshal(weights, &st.Weights); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal weights")
	}
	return &st, nil
}

func (s *PostgresStore) SaveEvolutionState(ctx context.Context, st *model.EvolutionState) error {
	weights, err := json.Marshal(st.Weights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal weights")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evolution_state (id, generation, weights, fitness, status, auto_deploy, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET generation = EXCLUDED.generation, weights = EXCLUDED.weights,
		fitness = EXCLUDED.fitness, status = EXCLUDED.status, auto_deploy = EXCLUDED.auto_deploy,
		updated_at = EXCLUDED.updated_at`,
		model.EvolutionStateID, st.Generation, weights, st.Fitness, string(st.Status), st.AutoDeploy, st.UpdatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: save evolution state")
}

func (s *PostgresStore) RecordPromotion(ctx context.Context, snap *model.PromotionSnapshot) error {
	weights, err := json.Marshal(snap.Weights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal weights")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO promotions (id, generation, accuracy, baseline_accuracy, improvement, p_value, sample_size, weights, promoted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (generation) DO NOTHING`,
		uuid.New().String(), snap.Generation, snap.Accuracy, snap.BaselineAccuracy, snap.Improvement,
		snap.PValue, snap.SampleSize, weights, snap.PromotedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: record promotion gen %d", snap.Generation)
}

func (s *PostgresStore) ListPromotions(ctx context.Context, limit int) ([]model.PromotionSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT generation, accuracy, baseline_accuracy, improvement, p_value, sample_size, weights, promoted_at
		FROM promotions ORDER BY promoted_at DESC LIMIT $1`, pageLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list promotions")
	}
	defer rows.Close()

	var out []model.PromotionSnapshot
	for rows.Next() {
		var p model.PromotionSnapshot
		var weights []byte
		if err := rows.Scan(&p.Generation, &p.Accuracy, &p.BaselineAccuracy, &p.Improvement,
			&p.PValue, &p.SampleSize, &weights, &p.PromotedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan promotion")
		}
		if err := json.Unmarshal(weights, &p.Weights); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal weights")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list promotions iterate")
}

// --- Summaries ---

func (s *PostgresStore) SaveSummary(ctx context.Context, sum *model.BenchmarkSummary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO benchmark_summaries (id, pool, batch_run_id, total, data, computed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), sum.Pool, sum.BatchRunID, sum.Total, data, sum.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save summary for pool %s", sum.Pool)
}

func (s *PostgresStore) ListSummaries(ctx context.Context, pool string, limit int) ([]model.BenchmarkSummary, error) {
	query := `SELECT data FROM benchmark_summaries`
	var args []any
	if pool != "" {
		query += ` WHERE pool = $1 ORDER BY computed_at DESC LIMIT $2`
		args = append(args, pool, pageLimit(limit))
	} else {
		query += ` ORDER BY computed_at DESC LIMIT $1`
		args = append(args, pageLimit(limit))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list summaries")
	}
	defer rows.Close()

	var out []model.BenchmarkSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		var sum model.BenchmarkSummary
		if err := json.Unmarshal(data, &sum); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list summaries iterate")
}
