// Package bench runs one benchmark batch for a pool: fetch unseen games,
// score one position per game with both predictors, persist the attempts,
// then recompute summaries and hand the full attempt set to the tuner.
package bench

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/ledger"
	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/monitoring"
	"github.com/sells-group/gamebench/internal/position"
	"github.com/sells-group/gamebench/internal/predict"
	"github.com/sells-group/gamebench/internal/resilience"
	"github.com/sells-group/gamebench/internal/source"
	"github.com/sells-group/gamebench/internal/stats"
	"github.com/sells-group/gamebench/internal/store"
	"github.com/sells-group/gamebench/internal/tuner"
)

// ErrNoGames is returned by Begin when the source had nothing new for the pool.
var ErrNoGames = eris.New("bench: no new games")

// GameSource fetches candidate games for a pool.
type GameSource interface {
	FetchBatch(ctx context.Context, pool string, cfg config.PoolConfig, exclude map[model.GameID]struct{}) (source.FetchResult, error)
}

// Analyzer evaluates a position sample at a given depth.
type Analyzer interface {
	Evaluate(ctx context.Context, sample model.PositionSample, depth int) (model.Evaluation, error)
}

// GameOutcome is what happened to one game of a batch.
type GameOutcome string

const (
	GameAccepted  GameOutcome = "accepted"
	GameDuplicate GameOutcome = "duplicate"
	GameRejected  GameOutcome = "rejected"
	GameMalformed GameOutcome = "malformed"
	GameFailed    GameOutcome = "failed"
)

// Deps are the collaborators of a Runner. Metrics and Alerter may be nil.
type Deps struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Source     GameSource
	Extractor  *position.Extractor
	Comparator *predict.Comparator
	Tuner      *tuner.Tuner
	Metrics    *monitoring.Metrics
	Alerter    *monitoring.Alerter
}

// Options tune a Runner.
type Options struct {
	Alpha        float64
	PersistRetry resilience.RetryConfig
	// StoreTimeout bounds each persistence attempt. Zero means no bound.
	StoreTimeout time.Duration
}

// DefaultOptions retries store writes three times with exponential backoff,
// giving each attempt ten seconds.
func DefaultOptions() Options {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = retryStore
	return Options{Alpha: stats.DefaultAlpha, PersistRetry: retry, StoreTimeout: 10 * time.Second}
}

// retryStore retries every store error except cancellation. An attempt that
// hit StoreTimeout is retried; the retry loop itself stops once the caller's
// context is done.
func retryStore(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Runner executes benchmark batches. It is safe for concurrent use by
// different pools.
type Runner struct {
	Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// New creates a Runner.
func New(deps Deps, opts Options) *Runner {
	if deps.Extractor == nil {
		deps.Extractor = position.NewExtractor()
	}
	if deps.Comparator == nil {
		deps.Comparator = predict.NewComparator()
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = stats.DefaultAlpha
	}
	if opts.PersistRetry.ShouldRetry == nil {
		opts.PersistRetry.ShouldRetry = retryStore
	}
	return &Runner{
		Deps: deps,
		opts: opts,
		log:  zap.L().With(zap.String("component", "bench")),
		now:  time.Now,
	}
}

// Batch is the local queue of one fetch. Games are claimed through Next.
type Batch struct {
	Games  []model.GameRecord
	Window source.Window

	pool string
	cfg  config.PoolConfig
	next atomic.Int64

	mu        sync.Mutex
	run       model.BatchRun
	malformed map[model.GameID]string
	returned  []model.GameRecord
}

// Next claims the next queued game. The index advances before the caller
// decides whether to skip it.
func (b *Batch) Next() (model.GameRecord, bool) {
	i := int(b.next.Add(1) - 1)
	if i >= len(b.Games) {
		return model.GameRecord{}, false
	}
	return b.Games[i], true
}

// Remaining returns how many games have not been claimed.
func (b *Batch) Remaining() int {
	n := len(b.Games) - int(b.next.Load())
	if n < 0 {
		return 0
	}
	return n
}

// Leftover returns the games that never reached an outcome: the ones handed
// back after a processing error, then the unclaimed tail of the queue.
func (b *Batch) Leftover() []model.GameRecord {
	b.mu.Lock()
	out := append([]model.GameRecord(nil), b.returned...)
	b.mu.Unlock()
	if i := int(b.next.Load()); i < len(b.Games) {
		out = append(out, b.Games[i:]...)
	}
	return out
}

func (b *Batch) giveBack(g model.GameRecord) {
	b.mu.Lock()
	b.returned = append(b.returned, g)
	b.mu.Unlock()
}

// Pool returns the pool the batch belongs to.
func (b *Batch) Pool() string { return b.pool }

// Run returns a copy of the batch run record.
func (b *Batch) Run() model.BatchRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run
}

func (b *Batch) count(o GameOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch o {
	case GameAccepted:
		b.run.Accepted++
	case GameDuplicate, GameRejected:
		b.run.Rejected++
	case GameMalformed:
		b.run.Malformed++
	case GameFailed:
		b.run.Failed++
	}
}

func (b *Batch) addMalformed(id model.GameID, reason string) {
	b.mu.Lock()
	b.malformed[id] = reason
	b.mu.Unlock()
	b.count(GameMalformed)
}

func (b *Batch) takeMalformed() map[model.GameID]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.malformed
	b.malformed = make(map[model.GameID]string)
	return out
}

// Begin fetches a batch for pool, excluding every terminal ledger id, and
// records a running batch run. It returns ErrNoGames when nothing new came
// back.
func (r *Runner) Begin(ctx context.Context, pool string, cfg config.PoolConfig) (*Batch, error) {
	res, err := r.Source.FetchBatch(ctx, pool, cfg, r.Ledger.Exclusions())
	if err != nil {
		return nil, eris.Wrapf(err, "bench: fetch %s", pool)
	}
	r.Metrics.ObserveFetch(pool, len(res.Games))
	if len(res.Games) == 0 {
		r.log.Debug("no new games",
			zap.String("pool", pool),
			zap.Int("excluded", res.Excluded),
			zap.Bool("exhausted", res.Exhausted),
		)
		return nil, ErrNoGames
	}

	b := r.newBatch(pool, cfg, res.Games, res.Window)
	b.run.Malformed = res.Malformed
	if err := r.open(ctx, b); err != nil {
		return nil, err
	}

	r.log.Info("batch started",
		zap.String("pool", pool),
		zap.String("batch_run_id", b.run.ID),
		zap.Int("games", len(res.Games)),
		zap.String("player", res.Player),
		zap.Time("window_start", res.Window.Start),
		zap.Time("window_end", res.Window.End),
	)
	return b, nil
}

// Resume opens a new batch over the leftover games of prev so they are
// processed before anything new is fetched. It returns ErrNoGames when prev
// has nothing left.
func (r *Runner) Resume(ctx context.Context, prev *Batch, cfg config.PoolConfig) (*Batch, error) {
	games := prev.Leftover()
	if len(games) == 0 {
		return nil, ErrNoGames
	}
	b := r.newBatch(prev.pool, cfg, games, prev.Window)
	if err := r.open(ctx, b); err != nil {
		return nil, err
	}
	r.log.Info("batch resumed",
		zap.String("pool", b.pool),
		zap.String("batch_run_id", b.run.ID),
		zap.String("previous_batch_run_id", prev.Run().ID),
		zap.Int("games", len(games)),
	)
	return b, nil
}

func (r *Runner) newBatch(pool string, cfg config.PoolConfig, games []model.GameRecord, w source.Window) *Batch {
	return &Batch{
		Games:     games,
		Window:    w,
		pool:      pool,
		cfg:       cfg,
		malformed: make(map[model.GameID]string),
		run: model.BatchRun{
			ID:          uuid.NewString(),
			Pool:        pool,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			Fetched:     len(games),
			Status:      model.BatchRunning,
			StartedAt:   r.now().UTC(),
		},
	}
}

func (r *Runner) open(ctx context.Context, b *Batch) error {
	run := b.Run()
	return r.persist(ctx, "create batch run", func(ctx context.Context) error {
		return r.Store.CreateBatchRun(ctx, &run)
	})
}

// Process scores one game. A nil error means the game reached an outcome;
// a non-nil error means the pool must stop and, for engine crashes, recover.
// On error the game's in-flight claim has been released and the game is
// handed back to the batch's leftovers.
func (r *Runner) Process(ctx context.Context, b *Batch, game model.GameRecord, an Analyzer) (GameOutcome, error) {
	outcome, err := r.process(ctx, b, game, an)
	if err != nil {
		r.Ledger.Release(game.ID)
		b.giveBack(game)
	}
	return outcome, err
}

func (r *Runner) process(ctx context.Context, b *Batch, game model.GameRecord, an Analyzer) (GameOutcome, error) {
	pool := b.pool
	id := game.ID
	log := r.log.With(zap.String("pool", pool), zap.String("game_id", id.String()))

	if r.Ledger.IsKnown(id) || !r.Ledger.MarkInFlight(id, pool) {
		b.count(GameDuplicate)
		r.Metrics.ObserveGame(pool, string(GameDuplicate))
		return GameDuplicate, nil
	}

	sample, err := r.Extractor.Extract(game)
	if err != nil {
		if resilience.IsMalformed(err) {
			log.Debug("malformed game", zap.Error(err))
			b.addMalformed(id, err.Error())
			r.Metrics.ObserveGame(pool, string(GameMalformed))
			return GameMalformed, nil
		}
		return "", eris.Wrapf(err, "bench: extract %s", id)
	}

	exists, err := persistVal(ctx, r, "has attempt", func(ctx context.Context) (bool, error) {
		return r.Store.HasAttempt(ctx, sample.PositionHash)
	})
	if err != nil {
		return "", err
	}
	if exists {
		if err := r.accept(ctx, id); err != nil {
			return "", err
		}
		b.count(GameRejected)
		r.Metrics.ObserveGame(pool, string(GameRejected))
		return GameRejected, nil
	}

	start := r.now()
	eval, err := an.Evaluate(ctx, sample, b.cfg.Depth)
	r.Metrics.ObserveEvaluation(pool, r.now().Sub(start), resilience.ClassifyError(err))
	if err != nil {
		if resilience.IsPermanent(err) {
			log.Warn("game permanently failed", zap.Error(err))
			if ferr := r.persist(ctx, "mark failed", func(ctx context.Context) error {
				return r.Ledger.MarkFailed(ctx, id, err.Error())
			}); ferr != nil {
				return "", ferr
			}
			b.count(GameFailed)
			r.Metrics.ObserveGame(pool, string(GameFailed))
			return GameFailed, nil
		}
		return "", eris.Wrapf(err, "bench: evaluate %s", id)
	}

	attempt := r.Comparator.Compare(pool, sample, eval, r.Tuner.Weights(), game.Result)
	attempt.ID = uuid.NewString()
	inserted, err := persistVal(ctx, r, "insert attempt", func(ctx context.Context) (bool, error) {
		return r.Store.InsertAttempt(ctx, &attempt)
	})
	if err != nil {
		return "", err
	}
	if err := r.accept(ctx, id); err != nil {
		return "", err
	}

	outcome := GameAccepted
	if !inserted {
		// Another pool scored the same position first.
		outcome = GameRejected
	}
	b.count(outcome)
	r.Metrics.ObserveGame(pool, string(outcome))
	return outcome, nil
}

func (r *Runner) accept(ctx context.Context, id model.GameID) error {
	return r.persist(ctx, "mark accepted", func(ctx context.Context) error {
		return r.Ledger.MarkAccepted(ctx, id)
	})
}

// Finish closes a batch. Malformed games are failed in the ledger, the run
// record is completed, and unless runErr is fatal the summaries are
// recomputed and the tuner runs. The returned error joins runErr with any
// error raised while finishing.
func (r *Runner) Finish(ctx context.Context, b *Batch, runErr error) (model.BenchmarkSummary, error) {
	pool := b.pool
	if err := r.persist(ctx, "mark malformed", func(ctx context.Context) error {
		return r.Ledger.MarkFailedBatch(ctx, pool, b.malformed)
	}); err != nil {
		runErr = errors.Join(runErr, err)
	} else {
		b.takeMalformed()
	}

	run := b.Run()
	completed := r.now().UTC()
	run.CompletedAt = &completed
	run.Status = runStatus(run, runErr)
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := r.persist(ctx, "complete batch run", func(ctx context.Context) error {
		return r.Store.CompleteBatchRun(ctx, &run)
	}); err != nil {
		runErr = errors.Join(runErr, err)
	}
	b.mu.Lock()
	b.run = run
	b.mu.Unlock()

	c := r.Ledger.Counts()
	r.Metrics.ObserveLedger(c.InFlight, c.Accepted, c.Failed)

	log := r.log.With(zap.String("pool", pool), zap.String("batch_run_id", run.ID))
	log.Info("batch finished",
		zap.String("status", string(run.Status)),
		zap.Int("accepted", run.Accepted),
		zap.Int("rejected", run.Rejected),
		zap.Int("failed", run.Failed),
		zap.Int("malformed", run.Malformed),
		zap.Error(runErr),
	)

	if resilience.IsFatal(runErr) {
		return model.BenchmarkSummary{Pool: pool, BatchRunID: run.ID}, runErr
	}

	summary, err := r.summarize(ctx, pool, run.ID)
	if err != nil {
		return summary, errors.Join(runErr, err)
	}
	return summary, runErr
}

func runStatus(run model.BatchRun, runErr error) model.BatchRunStatus {
	switch {
	case runErr == nil:
		return model.BatchComplete
	case run.Accepted+run.Rejected+run.Failed > 0:
		return model.BatchPartial
	default:
		return model.BatchFailed
	}
}

// summarize recomputes the pool and aggregate summaries from every
// persisted attempt and runs the tuner over the full set.
func (r *Runner) summarize(ctx context.Context, pool, runID string) (model.BenchmarkSummary, error) {
	lctx, cancel := r.storeContext(ctx)
	attempts, err := store.ListAllAttempts(lctx, r.Store, "")
	cancel()
	if err != nil {
		return model.BenchmarkSummary{Pool: pool}, eris.Wrap(err, "bench: list attempts")
	}

	byPool := stats.SummarizeByPool(attempts, r.opts.Alpha)
	summary, ok := byPool[pool]
	if !ok {
		summary = stats.Summarize(nil, pool, r.opts.Alpha)
	}
	summary.BatchRunID = runID
	all := byPool[model.PoolAll]
	all.BatchRunID = runID

	for _, s := range []*model.BenchmarkSummary{&summary, &all} {
		s.ComputedAt = r.now().UTC()
		if err := r.persist(ctx, "save summary", func(ctx context.Context) error {
			return r.Store.SaveSummary(ctx, s)
		}); err != nil {
			return summary, err
		}
		r.Metrics.ObserveSummary(*s)
	}

	if r.Tuner == nil {
		return summary, nil
	}
	tctx, cancel := r.storeContext(ctx)
	res, err := r.Tuner.Evaluate(tctx, attempts)
	cancel()
	if err != nil {
		return summary, &resilience.PersistenceError{Op: "tuner", Err: err}
	}
	promoted := res.Decision == tuner.DecisionPromoted
	r.Metrics.ObserveEvolution(r.Tuner.State(), promoted)
	if promoted && res.Snapshot != nil {
		r.Alerter.Notify(ctx, monitoring.PromotionAlert(res.Snapshot))
	}
	r.log.Info("tuner evaluated",
		zap.String("pool", pool),
		zap.String("decision", string(res.Decision)),
		zap.String("message", res.Message),
		zap.Int("generation", res.Generation),
	)
	return summary, nil
}

// Summary recomputes the current summary for pool without tuning.
func (r *Runner) Summary(ctx context.Context, pool string) (model.BenchmarkSummary, error) {
	filter := pool
	if pool == model.PoolAll {
		filter = ""
	}
	attempts, err := store.ListAllAttempts(ctx, r.Store, filter)
	if err != nil {
		return model.BenchmarkSummary{Pool: pool}, eris.Wrap(err, "bench: list attempts")
	}
	s := stats.Summarize(attempts, pool, r.opts.Alpha)
	s.ComputedAt = r.now().UTC()
	return s, nil
}

// RunBatch runs one complete batch for pool with an. When the source has
// nothing new it returns the current summary.
func (r *Runner) RunBatch(ctx context.Context, pool string, cfg config.PoolConfig, an Analyzer) (model.BenchmarkSummary, error) {
	b, err := r.Begin(ctx, pool, cfg)
	if errors.Is(err, ErrNoGames) {
		return r.Summary(ctx, pool)
	}
	if err != nil {
		return model.BenchmarkSummary{Pool: pool}, err
	}

	var runErr error
	for {
		game, ok := b.Next()
		if !ok {
			break
		}
		if _, err := r.Process(ctx, b, game, an); err != nil {
			runErr = err
			break
		}
	}
	return r.Finish(ctx, b, runErr)
}

func (r *Runner) persist(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := persistVal(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// persistVal retries fn under the persistence policy, bounding every attempt
// by StoreTimeout.
func persistVal[T any](ctx context.Context, r *Runner, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.DoVal(ctx, r.opts.PersistRetry, func(ctx context.Context) (T, error) {
		actx, cancel := r.storeContext(ctx)
		defer cancel()
		return fn(actx)
	})
	if err != nil {
		return v, &resilience.PersistenceError{Op: op, Err: err}
	}
	return v, nil
}

func (r *Runner) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opts.StoreTimeout)
}
