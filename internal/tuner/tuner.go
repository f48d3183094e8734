// Package tuner adjusts the challenger's weight vector from benchmark
// results and decides when the challenger is promoted.
package tuner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/stats"
)

// Store is the persistence subset the tuner depends on.
type Store interface {
	LoadEvolutionState(ctx context.Context) (*model.EvolutionState, error)
	SaveEvolutionState(ctx context.Context, state *model.EvolutionState) error
	RecordPromotion(ctx context.Context, snap *model.PromotionSnapshot) error
}

// Options are the gate thresholds. They are operating knobs, not findings.
type Options struct {
	MinSamples        int
	SubgroupFloor     int
	DecayFactor       float64
	DeployThreshold   float64
	TargetImprovement float64
	Alpha             float64
}

// OptionsFromConfig maps the tuner config section.
func OptionsFromConfig(cfg config.TunerConfig) Options {
	return Options{
		MinSamples:        cfg.MinSamples,
		SubgroupFloor:     cfg.SubgroupFloor,
		DecayFactor:       cfg.DecayFactor,
		DeployThreshold:   cfg.DeployThreshold,
		TargetImprovement: cfg.TargetImprovement,
		Alpha:             cfg.SignificanceLevel,
	}
}

// Decision is the outcome of one evaluation.
type Decision string

const (
	DecisionInsufficient    Decision = "insufficient_samples"
	DecisionAlreadyEnhanced Decision = "already_enhanced"
	DecisionPromoted        Decision = "promoted"
	DecisionAdjusted        Decision = "adjusted"
	DecisionHeld            Decision = "held"
)

// Result reports what Evaluate did.
type Result struct {
	Decision   Decision                 `json:"decision"`
	Message    string                   `json:"message"`
	Needed     int                      `json:"needed,omitempty"`
	Generation int                      `json:"generation"`
	Adjusted   []string                 `json:"adjusted,omitempty"`
	Blockers   []string                 `json:"blockers,omitempty"`
	Subgroups  []stats.SubgroupAccuracy `json:"subgroups,omitempty"`
	Summary    *model.BenchmarkSummary  `json:"summary,omitempty"`
	Snapshot   *model.PromotionSnapshot `json:"snapshot,omitempty"`
}

// Tuner owns the evolution state. Every mutation is persisted before it
// becomes visible.
type Tuner struct {
	store Store
	opts  Options
	log   *zap.Logger
	now   func() time.Time

	mu    sync.RWMutex
	state *model.EvolutionState
}

// New creates a Tuner. Call Load before use.
func New(store Store, opts Options) *Tuner {
	if opts.DecayFactor <= 0 || opts.DecayFactor > 1 {
		opts.DecayFactor = 0.9
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = stats.DefaultAlpha
	}
	return &Tuner{
		store: store,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "tuner")),
		now:   time.Now,
		state: model.NewEvolutionState(false),
	}
}

// Load rehydrates the persisted state, creating generation zero when none
// exists.
func (t *Tuner) Load(ctx context.Context, autoDeploy bool) error {
	st, err := t.store.LoadEvolutionState(ctx)
	if err != nil {
		return eris.Wrap(err, "tuner: load state")
	}
	if st == nil {
		st = model.NewEvolutionState(autoDeploy)
		if err := t.store.SaveEvolutionState(ctx, st); err != nil {
			return eris.Wrap(err, "tuner: save initial state")
		}
	}
	if len(st.Weights) == 0 {
		st.Weights = model.DefaultWeights()
	}
	st.Weights.Normalize()

	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
	t.log.Info("tuner: state loaded",
		zap.Int("generation", st.Generation),
		zap.String("status", string(st.Status)),
		zap.Bool("auto_deploy", st.AutoDeploy),
	)
	return nil
}

// State returns a copy of the current evolution state.
func (t *Tuner) State() *model.EvolutionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}

// Weights returns a copy of the current weight vector.
func (t *Tuner) Weights() model.Weights {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Weights.Clone()
}

// SetAutoDeploy toggles automatic promotion.
func (t *Tuner) SetAutoDeploy(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.state.Clone()
	next.AutoDeploy = enabled
	next.UpdatedAt = t.now().UTC()
	if err := t.store.SaveEvolutionState(ctx, next); err != nil {
		return eris.Wrap(err, "tuner: save auto-deploy")
	}
	t.state = next
	t.log.Info("tuner: auto-deploy toggled", zap.Bool("enabled", enabled))
	return nil
}

// Evaluate runs the gate over attempts. Below MinSamples nothing changes.
// A promoted state is final and later calls are no-ops.
func (t *Tuner) Evaluate(ctx context.Context, attempts []model.PredictionAttempt) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := Result{Generation: t.state.Generation}
	if n := len(attempts); n < t.opts.MinSamples {
		res.Decision = DecisionInsufficient
		res.Needed = t.opts.MinSamples - n
		res.Message = fmt.Sprintf("need %d more samples", res.Needed)
		return res, nil
	}
	if t.state.Status == model.DeploymentEnhanced {
		res.Decision = DecisionAlreadyEnhanced
		res.Message = "challenger already promoted"
		return res, nil
	}

	summary := stats.Summarize(attempts, model.PoolAll, t.opts.Alpha)
	res.Summary = &summary
	res.Subgroups = stats.BySubgroup(attempts)

	res.Blockers = t.blockers(summary)
	if len(res.Blockers) == 0 && t.state.AutoDeploy {
		snap, err := t.promote(ctx, summary)
		if err != nil {
			return res, err
		}
		res.Decision = DecisionPromoted
		res.Snapshot = snap
		res.Message = fmt.Sprintf("promoted generation %d", snap.Generation)
		return res, nil
	}
	if len(res.Blockers) == 0 {
		res.Blockers = []string{"auto-deploy disabled"}
	}

	next := t.state.Clone()
	for _, g := range res.Subgroups {
		if g.Size < t.opts.SubgroupFloor || g.Challenger >= g.Baseline {
			continue
		}
		if _, ok := next.Weights[g.Archetype]; !ok {
			continue
		}
		next.Weights[g.Archetype] *= t.opts.DecayFactor
		res.Adjusted = append(res.Adjusted, g.Archetype)
	}
	if len(res.Adjusted) == 0 {
		res.Decision = DecisionHeld
		res.Message = "no underperforming subgroups"
		return res, nil
	}

	next.Weights.Normalize()
	next.Generation++
	next.Fitness = summary.ChallengerAccuracy
	next.Status = model.DeploymentTesting
	next.UpdatedAt = t.now().UTC()
	if err := t.store.SaveEvolutionState(ctx, next); err != nil {
		return res, eris.Wrap(err, "tuner: save adjusted state")
	}
	t.state = next

	res.Decision = DecisionAdjusted
	res.Generation = next.Generation
	res.Message = fmt.Sprintf("down-weighted %d components", len(res.Adjusted))
	t.log.Info("tuner: weights adjusted",
		zap.Int("generation", next.Generation),
		zap.Strings("components", res.Adjusted),
		zap.Float64("fitness", next.Fitness),
	)
	return res, nil
}

// blockers lists every promotion condition summary fails.
func (t *Tuner) blockers(s model.BenchmarkSummary) []string {
	var out []string
	if s.ChallengerAccuracy < t.opts.DeployThreshold {
		out = append(out, fmt.Sprintf("accuracy %.3f below %.3f", s.ChallengerAccuracy, t.opts.DeployThreshold))
	}
	if s.Improvement < t.opts.TargetImprovement {
		out = append(out, fmt.Sprintf("improvement %.3f below %.3f", s.Improvement, t.opts.TargetImprovement))
	}
	if s.PValue >= t.opts.Alpha {
		out = append(out, fmt.Sprintf("p-value %.4f not below %.2f", s.PValue, t.opts.Alpha))
	}
	return out
}

// ShouldDeploy reports whether summary clears every promotion condition for
// the current state. It is false once the challenger is promoted.
func (t *Tuner) ShouldDeploy(s model.BenchmarkSummary) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Status != model.DeploymentEnhanced &&
		t.state.AutoDeploy &&
		s.Total >= t.opts.MinSamples &&
		len(t.blockers(s)) == 0
}

func (t *Tuner) promote(ctx context.Context, s model.BenchmarkSummary) (*model.PromotionSnapshot, error) {
	now := t.now().UTC()
	snap := &model.PromotionSnapshot{
		Generation:       t.state.Generation,
		Accuracy:         s.ChallengerAccuracy,
		BaselineAccuracy: s.BaselineAccuracy,
		Improvement:      s.Improvement,
		PValue:           s.PValue,
		SampleSize:       s.Total,
		Weights:          t.state.Weights.Clone(),
		PromotedAt:       now,
	}
	if err := t.store.RecordPromotion(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "tuner: record promotion")
	}

	next := t.state.Clone()
	next.Status = model.DeploymentEnhanced
	next.Fitness = s.ChallengerAccuracy
	next.UpdatedAt = now
	if err := t.store.SaveEvolutionState(ctx, next); err != nil {
		return nil, eris.Wrap(err, "tuner: save promoted state")
	}
	t.state = next

	t.log.Info("tuner: challenger promoted",
		zap.Int("generation", snap.Generation),
		zap.Float64("accuracy", snap.Accuracy),
		zap.Float64("improvement", snap.Improvement),
		zap.Float64("p_value", snap.PValue),
		zap.Int("samples", snap.SampleSize),
	)
	return snap, nil
}
