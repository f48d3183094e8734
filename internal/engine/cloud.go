package engine

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/resilience"
	"github.com/sells-group/gamebench/internal/source"
)

// Evaluator looks up a precomputed evaluation. source.EvalSource satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, key string) (model.Evaluation, error)
}

// CloudEngine answers from a cloud evaluation cache. Results shallower than
// the requested depth count as not found.
type CloudEngine struct {
	eval Evaluator
}

// NewCloudEngine wraps eval.
func NewCloudEngine(eval Evaluator) *CloudEngine {
	return &CloudEngine{eval: eval}
}

// Name implements Engine.
func (c *CloudEngine) Name() string { return "cloud" }

// Analyse implements Engine.
func (c *CloudEngine) Analyse(ctx context.Context, key string, depth int) (model.Evaluation, error) {
	ev, err := c.eval.Evaluate(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return model.Evaluation{}, ctx.Err()
		}
		return model.Evaluation{}, err
	}
	if ev.Depth < depth {
		return model.Evaluation{}, eris.Wrapf(source.ErrEvalNotFound, "cloud depth %d < %d", ev.Depth, depth)
	}
	return ev, nil
}

// Ping implements Engine. The cloud has no process to probe.
func (c *CloudEngine) Ping(context.Context) error { return nil }

// Restart implements Engine.
func (c *CloudEngine) Restart(context.Context) error { return nil }

// Close implements Engine.
func (c *CloudEngine) Close() error { return nil }

// ChainEngine asks Primary first and falls back to Fallback when Primary
// has no answer or is rate limited. Liveness and restarts apply to Fallback.
type ChainEngine struct {
	Primary  Engine
	Fallback Engine
}

// Name implements Engine.
func (c *ChainEngine) Name() string {
	if c.Fallback == nil {
		return c.Primary.Name()
	}
	return c.Primary.Name() + "+" + c.Fallback.Name()
}

// Analyse implements Engine.
func (c *ChainEngine) Analyse(ctx context.Context, key string, depth int) (model.Evaluation, error) {
	ev, err := c.Primary.Analyse(ctx, key, depth)
	if err == nil || c.Fallback == nil || !fallsThrough(err) {
		return ev, err
	}
	zap.L().Debug("engine: primary had no answer, using fallback",
		zap.String("primary", c.Primary.Name()), zap.Error(err))
	return c.Fallback.Analyse(ctx, key, depth)
}

func fallsThrough(err error) bool {
	if errors.Is(err, source.ErrEvalNotFound) {
		return true
	}
	var rl *resilience.RateLimitedError
	return errors.As(err, &rl)
}

// Ping implements Engine.
func (c *ChainEngine) Ping(ctx context.Context) error {
	if c.Fallback != nil {
		return c.Fallback.Ping(ctx)
	}
	return c.Primary.Ping(ctx)
}

// Restart implements Engine.
func (c *ChainEngine) Restart(ctx context.Context) error {
	if c.Fallback != nil {
		return c.Fallback.Restart(ctx)
	}
	return c.Primary.Restart(ctx)
}

// Close implements Engine.
func (c *ChainEngine) Close() error {
	var errs []error
	if err := c.Primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.Fallback != nil {
		if err := c.Fallback.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
