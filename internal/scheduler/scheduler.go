// Package scheduler drives the benchmark pools. Each pool owns a state
// machine and its own analysis worker; pools run concurrently while a single
// pool never fetches and processes at the same time.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/gamebench/internal/bench"
	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/ledger"
	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/monitoring"
	"github.com/sells-group/gamebench/internal/resilience"
	"github.com/sells-group/gamebench/internal/tuner"
)

// State is the phase of a pool.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateProcessing State = "processing"
	StateRecovering State = "recovering"
	StateHalted     State = "halted"
)

// States lists every pool state, for metrics.
var States = []string{
	string(StateIdle), string(StateFetching), string(StateProcessing),
	string(StateRecovering), string(StateHalted),
}

var (
	ErrUnknownPool = eris.New("scheduler: unknown pool")
	ErrPoolHalted  = eris.New("scheduler: pool halted")
	ErrPoolPaused  = eris.New("scheduler: pool paused")
	ErrPoolBusy    = eris.New("scheduler: pool busy")
)

// Worker is the per-pool analysis worker.
type Worker interface {
	bench.Analyzer
	Ping(ctx context.Context) error
	Restart(ctx context.Context) error
}

// BatchRunner runs the phases of one batch.
type BatchRunner interface {
	Begin(ctx context.Context, pool string, cfg config.PoolConfig) (*bench.Batch, error)
	Resume(ctx context.Context, prev *bench.Batch, cfg config.PoolConfig) (*bench.Batch, error)
	Process(ctx context.Context, b *bench.Batch, game model.GameRecord, an bench.Analyzer) (bench.GameOutcome, error)
	Finish(ctx context.Context, b *bench.Batch, runErr error) (model.BenchmarkSummary, error)
}

// Options tune recovery and history.
type Options struct {
	// FailureThreshold consecutive game failures within FailureWindow send
	// the pool to recovery.
	FailureThreshold int
	FailureWindow    time.Duration
	RecentSummaries  int
}

// OptionsFromConfig maps scheduler configuration to Options.
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    time.Duration(cfg.FailureWindowSecs) * time.Second,
		RecentSummaries:  cfg.RecentSummaries,
	}
}

// Deps are the scheduler's collaborators. Metrics and Alerter may be nil.
type Deps struct {
	Runner  BatchRunner
	Ledger  *ledger.Ledger
	Tuner   *tuner.Tuner
	Metrics *monitoring.Metrics
	Alerter *monitoring.Alerter
}

type pool struct {
	name   string
	worker Worker
	wake   chan struct{}

	// run serialises batches of this pool.
	run sync.Mutex

	// Guarded by Scheduler.mu.
	cfg        config.PoolConfig
	state      State
	paused     bool
	recoverReq bool
	batch      *bench.Batch
	carry      *bench.Batch // ended early; its leftovers run before the next fetch
	failures   []time.Time
	lastErr    string
	lastRun    time.Time
	batches    int
}

// Scheduler owns every pool.
type Scheduler struct {
	Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu     sync.Mutex
	pools  map[string]*pool
	recent []model.BenchmarkSummary
}

// New creates a Scheduler with no pools.
func New(deps Deps, opts Options) *Scheduler {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 10 * time.Minute
	}
	if opts.RecentSummaries <= 0 {
		opts.RecentSummaries = 20
	}
	return &Scheduler{
		Deps:  deps,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "scheduler")),
		now:   time.Now,
		pools: make(map[string]*pool),
	}
}

// AddPool registers a pool. It must be called before Run.
func (s *Scheduler) AddPool(name string, cfg config.PoolConfig, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[name] = &pool{
		name:   name,
		worker: w,
		wake:   make(chan struct{}, 1),
		cfg:    cfg,
		state:  StateIdle,
	}
	s.Metrics.SetPoolState(name, string(StateIdle), States)
}

// Pools returns the registered pool names, sorted.
func (s *Scheduler) Pools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.pools))
	for n := range s.pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Prober returns the liveness probe of pool's worker for a health checker.
func (s *Scheduler) Prober(name string) (monitoring.Prober, error) {
	p, err := s.pool(name)
	if err != nil {
		return nil, err
	}
	return p.worker, nil
}

// Run drives every pool until ctx is cancelled. A halted pool stays halted
// without stopping the others.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.Pools() {
		p, _ := s.pool(name)
		g.Go(func() error {
			s.loop(gctx, p)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, p *pool) {
	for {
		p.run.Lock()
		_, err := s.step(ctx, p)
		p.run.Unlock()
		if err != nil && !errors.Is(err, ErrPoolHalted) && !errors.Is(err, ErrPoolPaused) && ctx.Err() == nil {
			s.log.Warn("batch ended with error", zap.String("pool", p.name), zap.Error(err))
		}

		s.mu.Lock()
		interval := p.cfg.Interval()
		s.mu.Unlock()
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-p.wake:
			timer.Stop()
		}
	}
}

// RunBenchmarkBatch runs one batch of pool now and returns its summary.
func (s *Scheduler) RunBenchmarkBatch(ctx context.Context, name string) (model.BenchmarkSummary, error) {
	p, err := s.pool(name)
	if err != nil {
		return model.BenchmarkSummary{Pool: name}, err
	}
	if !p.run.TryLock() {
		return model.BenchmarkSummary{Pool: name}, eris.Wrapf(ErrPoolBusy, "%s", name)
	}
	defer p.run.Unlock()
	return s.step(ctx, p)
}

// step performs one pass of the state machine. Callers hold p.run.
func (s *Scheduler) step(ctx context.Context, p *pool) (model.BenchmarkSummary, error) {
	s.mu.Lock()
	state, paused, recoverReq := p.state, p.paused, p.recoverReq
	s.mu.Unlock()

	if state == StateHalted {
		return model.BenchmarkSummary{Pool: p.name}, eris.Wrapf(ErrPoolHalted, "%s", p.name)
	}
	if recoverReq {
		if err := s.recover(ctx, p, "requested"); err != nil {
			return model.BenchmarkSummary{Pool: p.name}, err
		}
	}
	if paused {
		return model.BenchmarkSummary{Pool: p.name}, eris.Wrapf(ErrPoolPaused, "%s", p.name)
	}

	b, err := s.queue(ctx, p)
	if err != nil || b == nil {
		return model.BenchmarkSummary{Pool: p.name}, err
	}
	return s.process(ctx, p, b)
}

// queue returns the pool's pending batch, fetching a new one only when the
// local queue is empty. Leftovers of a batch that ended early count as
// queued. A nil batch with a nil error means nothing to do.
func (s *Scheduler) queue(ctx context.Context, p *pool) (*bench.Batch, error) {
	s.mu.Lock()
	b := p.batch
	carry := p.carry
	cfg := p.cfg
	s.mu.Unlock()
	if b != nil && b.Remaining() > 0 {
		return b, nil
	}

	if carry != nil {
		b, err := s.Runner.Resume(ctx, carry, cfg)
		switch {
		case err == nil:
			s.mu.Lock()
			p.carry = nil
			p.batch = b
			s.mu.Unlock()
			return b, nil
		case !errors.Is(err, bench.ErrNoGames):
			s.setError(p, err)
			if resilience.IsFatal(err) {
				s.halt(ctx, p, err)
			} else {
				s.setState(p, StateIdle)
			}
			return nil, err
		}
		s.mu.Lock()
		p.carry = nil
		s.mu.Unlock()
	}

	s.setState(p, StateFetching)
	b, err := s.Runner.Begin(ctx, p.name, cfg)
	switch {
	case errors.Is(err, bench.ErrNoGames):
		s.setState(p, StateIdle)
		return nil, nil
	case err != nil:
		var rl *resilience.RateLimitedError
		if errors.As(err, &rl) {
			s.log.Info("source cooling down", zap.String("pool", p.name), zap.Duration("retry_after", rl.RetryAfter))
			s.setState(p, StateIdle)
			return nil, nil
		}
		s.setError(p, err)
		if resilience.IsFatal(err) {
			s.halt(ctx, p, err)
			return nil, err
		}
		s.setState(p, StateIdle)
		return nil, err
	}

	s.mu.Lock()
	p.batch = b
	s.mu.Unlock()
	return b, nil
}

func (s *Scheduler) process(ctx context.Context, p *pool, b *bench.Batch) (model.BenchmarkSummary, error) {
	s.setState(p, StateProcessing)

	var runErr error
	needRecovery := false
	for runErr == nil {
		game, ok := b.Next()
		if !ok {
			break
		}
		outcome, err := s.Runner.Process(ctx, b, game, p.worker)
		switch {
		case err != nil:
			runErr = err
			needRecovery = resilience.IsEngineCrashed(err)
		case outcome == bench.GameFailed:
			if s.recordFailure(p) {
				runErr = eris.Errorf("scheduler: %d consecutive failures in %s", s.opts.FailureThreshold, p.name)
				needRecovery = true
			}
		case outcome == bench.GameAccepted || outcome == bench.GameRejected:
			s.clearFailures(p)
		}
	}

	summary, err := s.Runner.Finish(ctx, b, runErr)
	s.mu.Lock()
	p.lastRun = s.now()
	p.batches++
	p.batch = nil
	if runErr != nil && len(b.Leftover()) > 0 {
		p.carry = b
	}
	s.mu.Unlock()

	if err == nil {
		s.pushSummary(summary)
		s.setState(p, StateIdle)
		s.clearError(p)
		return summary, nil
	}

	s.setError(p, err)
	switch {
	case resilience.IsFatal(err):
		s.halt(ctx, p, err)
	case needRecovery:
		if rerr := s.recover(ctx, p, err.Error()); rerr != nil {
			return summary, errors.Join(err, rerr)
		}
		s.nudge(p)
	default:
		s.setState(p, StateIdle)
	}
	return summary, err
}

// recover releases the pool's in-flight ids and restarts its engine. Queued
// games stay queued: their window is already committed, so a fetch would
// never return them again. A failed restart halts the pool.
func (s *Scheduler) recover(ctx context.Context, p *pool, reason string) error {
	s.setState(p, StateRecovering)
	released := s.Ledger.ReleasePool(p.name)
	s.mu.Lock()
	queued := 0
	if p.carry != nil {
		queued = len(p.carry.Leftover())
	}
	s.mu.Unlock()

	s.log.Warn("recovering pool",
		zap.String("pool", p.name),
		zap.String("reason", reason),
		zap.Int("released", released),
		zap.Int("queued", queued),
	)

	err := p.worker.Restart(ctx)
	s.Metrics.ObserveRecovery(p.name, err == nil)
	if err != nil {
		if !errors.Is(err, resilience.ErrRecoveryFailed) {
			err = errors.Join(resilience.ErrRecoveryFailed, err)
		}
		s.halt(ctx, p, err)
		return err
	}

	s.mu.Lock()
	p.failures = nil
	p.recoverReq = false
	s.mu.Unlock()
	s.setState(p, StateIdle)
	return nil
}

func (s *Scheduler) halt(ctx context.Context, p *pool, cause error) {
	s.mu.Lock()
	p.lastErr = cause.Error()
	s.mu.Unlock()
	s.setState(p, StateHalted)
	s.log.Error("pool halted", zap.String("pool", p.name), zap.Error(cause))
	s.Alerter.Notify(ctx, monitoring.PoolHaltedAlert(p.name, cause))
}

// recordFailure notes a failed game and reports whether the pool crossed
// the consecutive failure threshold within the rolling window.
func (s *Scheduler) recordFailure(p *pool) bool {
	now := s.now()
	cutoff := now.Add(-s.opts.FailureWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := p.failures[:0]
	for _, t := range p.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.failures = append(kept, now)
	return len(p.failures) >= s.opts.FailureThreshold
}

func (s *Scheduler) clearFailures(p *pool) {
	s.mu.Lock()
	p.failures = nil
	s.mu.Unlock()
}

// RequestRecovery asks pool to recover before its next batch. Health
// checkers call this on a failed probe.
func (s *Scheduler) RequestRecovery(name string) {
	p, err := s.pool(name)
	if err != nil {
		return
	}
	s.mu.Lock()
	if p.state != StateHalted {
		p.recoverReq = true
	}
	s.mu.Unlock()
	s.nudge(p)
}

// Pause stops pool from fetching again. A batch in progress finishes.
func (s *Scheduler) Pause(name string) error {
	return s.setPaused(name, true)
}

// Resume lets a paused pool fetch again.
func (s *Scheduler) Resume(name string) error {
	return s.setPaused(name, false)
}

func (s *Scheduler) setPaused(name string, paused bool) error {
	p, err := s.pool(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	p.paused = paused
	s.mu.Unlock()
	s.log.Info("pool paused state changed", zap.String("pool", name), zap.Bool("paused", paused))
	if !paused {
		s.nudge(p)
	}
	return nil
}

// Restart clears a halted pool by recovering it.
func (s *Scheduler) Restart(ctx context.Context, name string) error {
	p, err := s.pool(name)
	if err != nil {
		return err
	}
	p.run.Lock()
	defer p.run.Unlock()
	if err := s.recover(ctx, p, "restart"); err != nil {
		return err
	}
	s.clearError(p)
	s.nudge(p)
	return nil
}

// SetPoolConfig replaces the configuration of pool. It applies from the
// next fetch.
func (s *Scheduler) SetPoolConfig(name string, cfg config.PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return eris.Wrapf(err, "scheduler: pool %s", name)
	}
	p, err := s.pool(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	p.cfg = cfg
	s.mu.Unlock()
	return nil
}

// ToggleAutoDeploy persists the auto-deploy flag of the evolution state.
func (s *Scheduler) ToggleAutoDeploy(ctx context.Context, enabled bool) error {
	return s.Tuner.SetAutoDeploy(ctx, enabled)
}

// PoolStatus is the externally visible state of one pool.
type PoolStatus struct {
	Name      string            `json:"name" yaml:"name"`
	State     State             `json:"state" yaml:"state"`
	Paused    bool              `json:"paused" yaml:"paused"`
	Queued    int               `json:"queued" yaml:"queued"`
	Failures  int               `json:"failures" yaml:"failures"`
	Batches   int               `json:"batches" yaml:"batches"`
	LastError string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastRunAt *time.Time        `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	Config    config.PoolConfig `json:"config" yaml:"config"`
}

// Status is the scheduler snapshot served by the status endpoint.
type Status struct {
	Pools     []PoolStatus             `json:"pools" yaml:"pools"`
	Evolution *model.EvolutionState    `json:"evolution,omitempty" yaml:"evolution,omitempty"`
	Recent    []model.BenchmarkSummary `json:"recent_summaries" yaml:"recent_summaries"`
	Ledger    ledger.Counts            `json:"ledger" yaml:"ledger"`
}

// Status returns every pool, the evolution state and the most recent
// summaries, newest first.
func (s *Scheduler) Status() Status {
	var st Status
	for _, name := range s.Pools() {
		p, _ := s.pool(name)
		s.mu.Lock()
		ps := PoolStatus{
			Name:      p.name,
			State:     p.state,
			Paused:    p.paused,
			Failures:  len(p.failures),
			Batches:   p.batches,
			LastError: p.lastErr,
			Config:    p.cfg,
		}
		if p.batch != nil {
			ps.Queued = p.batch.Remaining()
		}
		if p.carry != nil {
			ps.Queued += len(p.carry.Leftover())
		}
		if !p.lastRun.IsZero() {
			t := p.lastRun
			ps.LastRunAt = &t
		}
		s.mu.Unlock()
		st.Pools = append(st.Pools, ps)
	}

	s.mu.Lock()
	st.Recent = make([]model.BenchmarkSummary, 0, len(s.recent))
	for i := len(s.recent) - 1; i >= 0; i-- {
		st.Recent = append(st.Recent, s.recent[i])
	}
	s.mu.Unlock()

	if s.Tuner != nil {
		st.Evolution = s.Tuner.State()
	}
	if s.Ledger != nil {
		st.Ledger = s.Ledger.Counts()
	}
	return st
}

func (s *Scheduler) pushSummary(sum model.BenchmarkSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, sum)
	if over := len(s.recent) - s.opts.RecentSummaries; over > 0 {
		s.recent = s.recent[over:]
	}
}

func (s *Scheduler) pool(name string) (*pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownPool, "%q", name)
	}
	return p, nil
}

func (s *Scheduler) setState(p *pool, st State) {
	s.mu.Lock()
	prev := p.state
	p.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("pool state", zap.String("pool", p.name), zap.String("from", string(prev)), zap.String("to", string(st)))
	}
	s.Metrics.SetPoolState(p.name, string(st), States)
}

func (s *Scheduler) setError(p *pool, err error) {
	s.mu.Lock()
	p.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Scheduler) clearError(p *pool) {
	s.mu.Lock()
	p.lastErr = ""
	s.mu.Unlock()
}

func (s *Scheduler) nudge(p *pool) {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
