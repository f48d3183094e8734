package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/bench"
	"github.com/sells-group/gamebench/internal/engine"
	"github.com/sells-group/gamebench/internal/ledger"
	"github.com/sells-group/gamebench/internal/monitoring"
	"github.com/sells-group/gamebench/internal/resilience"
	"github.com/sells-group/gamebench/internal/scheduler"
	"github.com/sells-group/gamebench/internal/source"
	"github.com/sells-group/gamebench/internal/store"
	"github.com/sells-group/gamebench/internal/tuner"
)

// benchEnv holds everything the serve and run commands need.
type benchEnv struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Tuner     *tuner.Tuner
	Runner    *bench.Runner
	Scheduler *scheduler.Scheduler
	Metrics   *monitoring.Metrics
	Alerter   *monitoring.Alerter
	Health    *monitoring.HealthChecker

	workers []*engine.Worker
	redis   *redis.Client
}

// Close stops every engine and releases the store.
func (e *benchEnv) Close() {
	for _, w := range e.workers {
		if err := w.Close(); err != nil {
			zap.L().Warn("close engine", zap.Error(err))
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store, rehydrates the ledger and evolution state, and
// builds one worker per pool in pools (all configured pools when empty).
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, pools []string) (*benchEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		pools = cfg.PoolNames()
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	env := &benchEnv{Store: st}

	env.Ledger = ledger.New(st)
	if err := env.Ledger.Hydrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "hydrate ledger")
	}
	env.Tuner = tuner.New(st, tuner.OptionsFromConfig(cfg.Tuner))
	if err := env.Tuner.Load(ctx, cfg.Tuner.AutoDeploy); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load evolution state")
	}

	env.Metrics = monitoring.NewMetrics()
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)
	onBreaker := func(provider string, _, to resilience.CircuitState) {
		env.Metrics.ObserveBreaker(provider, to != resilience.CircuitClosed)
	}

	cooldown := initCooldown(ctx, env)
	gameProvider := source.NewProvider(source.ProviderOptions{
		Name:        "games",
		MinInterval: time.Duration(cfg.Sources.Game.MinIntervalMs) * time.Millisecond,
		Timeout:     time.Duration(cfg.Sources.Game.TimeoutSecs) * time.Second,
		Cooldown:    cooldown,

		OnBreakerChange: onBreaker,
	})
	games := source.NewGameSource(gameProvider, source.GameSourceOptionsFromConfig(cfg.Sources.Game))

	var evals *source.EvalSource
	if cfg.Sources.Eval.Enabled {
		evalProvider := gameProvider
		if cfg.Sources.Eval.BaseURL != cfg.Sources.Game.BaseURL {
			evalProvider = source.NewProvider(source.ProviderOptions{
				Name:        "evals",
				MinInterval: time.Duration(cfg.Sources.Eval.MinIntervalMs) * time.Millisecond,
				Timeout:     time.Duration(cfg.Sources.Eval.TimeoutSecs) * time.Second,
				Cooldown:    cooldown,

				OnBreakerChange: onBreaker,
			})
		}
		evals = source.NewEvalSource(evalProvider, cfg.Sources.Eval)
	}

	env.Runner = bench.New(bench.Deps{
		Store:   st,
		Ledger:  env.Ledger,
		Source:  games,
		Tuner:   env.Tuner,
		Metrics: env.Metrics,
		Alerter: env.Alerter,
	}, bench.Options{
		Alpha:        cfg.Tuner.SignificanceLevel,
		PersistRetry: bench.DefaultOptions().PersistRetry,
		StoreTimeout: cfg.Store.Timeout(),
	})
	env.Scheduler = scheduler.New(scheduler.Deps{
		Runner:  env.Runner,
		Ledger:  env.Ledger,
		Tuner:   env.Tuner,
		Metrics: env.Metrics,
		Alerter: env.Alerter,
	}, scheduler.OptionsFromConfig(cfg.Scheduler))

	env.Health = monitoring.NewHealthChecker(
		time.Duration(cfg.Scheduler.HealthIntervalSecs)*time.Second,
		time.Duration(cfg.Engine.ProbeTimeoutMs)*time.Millisecond,
	)
	env.Health.OnFailure = func(name string, _ error) {
		env.Scheduler.RequestRecovery(name)
	}

	for _, name := range pools {
		poolCfg, ok := cfg.Pools[name]
		if !ok {
			env.Close()
			return nil, eris.Wrapf(scheduler.ErrUnknownPool, "%q", name)
		}
		eng, err := buildEngine(ctx, evals)
		if err != nil {
			env.Close()
			return nil, eris.Wrapf(err, "pool %s", name)
		}
		w := engine.NewWorker(eng, engine.WorkerOptionsFromConfig(cfg.Engine))
		env.workers = append(env.workers, w)
		env.Scheduler.AddPool(name, poolCfg, w)
		env.Health.Register(name, w)
	}

	zap.L().Info("environment ready",
		zap.Strings("pools", pools),
		zap.String("store", cfg.Store.Driver),
		zap.Int("ledger_accepted", env.Ledger.Counts().Accepted),
		zap.Int("generation", env.Tuner.State().Generation),
	)
	return env, nil
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "gamebench.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCooldown mirrors provider cooldowns to Redis when configured so that
// several processes honour the same Retry-After deadline.
func initCooldown(ctx context.Context, env *benchEnv) source.CooldownStore {
	if cfg.Redis.Addr == "" {
		return source.NewMemoryCooldown()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		zap.L().Warn("redis unavailable, cooldowns are process-local", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		_ = client.Close()
		return source.NewMemoryCooldown()
	}
	env.redis = client
	return source.NewRedisCooldown(client)
}

// buildEngine returns the analysis engine for one pool: the cloud cache
// backed by a local UCI process, or whichever of the two is configured.
func buildEngine(ctx context.Context, evals *source.EvalSource) (engine.Engine, error) {
	var local engine.Engine
	if cfg.Engine.Path != "" {
		uci := engine.NewUCIEngine(engine.UCIOptions{
			Path:    cfg.Engine.Path,
			Threads: cfg.Engine.Threads,
			HashMB:  cfg.Engine.HashMB,
		})
		if err := uci.Start(ctx); err != nil {
			return nil, eris.Wrap(err, "start engine")
		}
		local = uci
	}

	switch {
	case evals == nil && local == nil:
		return nil, errors.New("no analysis engine configured")
	case evals == nil:
		return local, nil
	case local == nil:
		return engine.NewCloudEngine(evals), nil
	}
	return &engine.ChainEngine{Primary: engine.NewCloudEngine(evals), Fallback: local}, nil
}
