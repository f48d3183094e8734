package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/resilience"
)

// WorkerOptions bounds each evaluation.
type WorkerOptions struct {
	BaseTimeout     time.Duration
	PerDepthTimeout time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	ProbeTimeout    time.Duration
}

// WorkerOptionsFromConfig maps the engine config section.
func WorkerOptionsFromConfig(cfg config.EngineConfig) WorkerOptions {
	return WorkerOptions{
		BaseTimeout:     time.Duration(cfg.BaseTimeoutMs) * time.Millisecond,
		PerDepthTimeout: time.Duration(cfg.PerDepthTimeoutMs) * time.Millisecond,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		ProbeTimeout:    time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
	}
}

// Worker evaluates one position at a time with a depth-scaled timeout.
// Timed-out attempts are retried after a liveness probe, with delays that
// grow linearly; a failed probe surfaces as EngineCrashedError.
type Worker struct {
	engine Engine
	opts   WorkerOptions
	log    *zap.Logger

	// callMu serialises engine access across pools sharing this worker.
	callMu sync.Mutex

	onBackoff func(retry int, delay time.Duration)
}

// NewWorker wraps engine.
func NewWorker(engine Engine, opts WorkerOptions) *Worker {
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = time.Second
	}
	return &Worker{
		engine: engine,
		opts:   opts,
		log:    zap.L().With(zap.String("component", "worker"), zap.String("engine", engine.Name())),
	}
}

// Timeout returns the per-attempt budget for depth.
func (w *Worker) Timeout(depth int) time.Duration {
	return w.opts.BaseTimeout + time.Duration(depth)*w.opts.PerDepthTimeout
}

// Evaluate scores sample at depth. It returns a PermanentFailure once
// MaxRetries attempts have timed out.
func (w *Worker) Evaluate(ctx context.Context, sample model.PositionSample, depth int) (model.Evaluation, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	timeout := w.Timeout(depth)
	attempts := 0
	cfg := resilience.RetryConfig{
		MaxAttempts: w.opts.MaxRetries,
		Backoff:     resilience.LinearBackoff(w.opts.RetryDelay),
		ShouldRetry: resilience.IsEngineTimeout,
		OnRetry:     resilience.RetryLogger("engine", "evaluate"),
		OnBackoff:   w.onBackoff,
		BeforeRetry: func(ctx context.Context, _ int, _ error) error {
			return w.probe(ctx)
		},
	}

	ev, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (model.Evaluation, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ev, err := w.engine.Analyse(actx, sample.PositionKey, depth)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return ev, &resilience.EngineTimeoutError{Timeout: timeout, Err: err}
		}
		return ev, err
	})

	if err != nil {
		if resilience.IsEngineTimeout(err) && ctx.Err() == nil {
			err = &resilience.PermanentFailure{Attempts: attempts, Err: err}
		}
		w.log.Warn("worker: evaluation failed",
			zap.String("game_id", sample.GameID.String()),
			zap.Int("depth", depth),
			zap.Int("attempts", attempts),
			zap.String("class", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		return model.Evaluation{}, err
	}
	return ev, nil
}

func (w *Worker) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.opts.ProbeTimeout)
	defer cancel()
	if err := w.engine.Ping(pctx); err != nil {
		if resilience.IsEngineCrashed(err) {
			return err
		}
		return &resilience.EngineCrashedError{Err: err}
	}
	return nil
}

// Ping runs the liveness probe outside an evaluation. While an evaluation is
// running the engine is covered by its own timeout, so Ping reports healthy.
func (w *Worker) Ping(ctx context.Context) error {
	if !w.callMu.TryLock() {
		return nil
	}
	defer w.callMu.Unlock()
	return w.probe(ctx)
}

// Restart restarts the engine. A failed restart wraps ErrRecoveryFailed.
func (w *Worker) Restart(ctx context.Context) error {
	w.callMu.Lock()
	defer w.callMu.Unlock()
	if err := w.engine.Restart(ctx); err != nil {
		return errors.Join(resilience.ErrRecoveryFailed, err)
	}
	return nil
}

// Close shuts the engine down.
func (w *Worker) Close() error { return w.engine.Close() }

// EngineName returns the wrapped engine's name.
func (w *Worker) EngineName() string { return w.engine.Name() }
