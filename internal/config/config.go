package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig           `yaml:"store" mapstructure:"store"`
	Sources    SourcesConfig         `yaml:"sources" mapstructure:"sources"`
	Engine     EngineConfig          `yaml:"engine" mapstructure:"engine"`
	Pools      map[string]PoolConfig `yaml:"pools" mapstructure:"pools"`
	Scheduler  SchedulerConfig       `yaml:"scheduler" mapstructure:"scheduler"`
	Tuner      TunerConfig           `yaml:"tuner" mapstructure:"tuner"`
	Redis      RedisConfig           `yaml:"redis" mapstructure:"redis"`
	Monitoring MonitoringConfig      `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig          `yaml:"server" mapstructure:"server"`
	Log        LogConfig             `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-call persistence timeout.
func (s StoreConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// SourcesConfig holds the external data providers.
type SourcesConfig struct {
	Game GameSourceConfig `yaml:"game" mapstructure:"game"`
	Eval EvalSourceConfig `yaml:"eval" mapstructure:"eval"`
}

// GameSourceConfig configures the game export API.
type GameSourceConfig struct {
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	Token           string `yaml:"token" mapstructure:"token"`
	MinIntervalMs   int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	PageSize        int    `yaml:"page_size" mapstructure:"page_size"`
	FetchMultiplier int    `yaml:"fetch_multiplier" mapstructure:"fetch_multiplier"`
	MaxPages        int    `yaml:"max_pages" mapstructure:"max_pages"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EvalSourceConfig configures the cloud evaluation API.
type EvalSourceConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	MinIntervalMs int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	MultiPV       int    `yaml:"multi_pv" mapstructure:"multi_pv"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EngineConfig configures the local UCI analysis engine and its retry policy.
type EngineConfig struct {
	Path              string `yaml:"path" mapstructure:"path"`
	Threads           int    `yaml:"threads" mapstructure:"threads"`
	HashMB            int    `yaml:"hash_mb" mapstructure:"hash_mb"`
	BaseTimeoutMs     int    `yaml:"base_timeout_ms" mapstructure:"base_timeout_ms"`
	PerDepthTimeoutMs int    `yaml:"per_depth_timeout_ms" mapstructure:"per_depth_timeout_ms"`
	MaxRetries        int    `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs      int    `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	ProbeTimeoutMs    int    `yaml:"probe_timeout_ms" mapstructure:"probe_timeout_ms"`
}

// PoolConfig configures one benchmark pool.
type PoolConfig struct {
	BatchSize    int      `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size"`
	Depth        int      `yaml:"depth" mapstructure:"depth" json:"depth"`
	IntervalSecs int      `yaml:"interval_secs" mapstructure:"interval_secs" json:"interval_secs"`
	Players      []string `yaml:"players" mapstructure:"players" json:"players"`
	Speed        string   `yaml:"speed" mapstructure:"speed" json:"speed"`
	WindowHours  int      `yaml:"window_hours" mapstructure:"window_hours" json:"window_hours"`
	LookbackDays int      `yaml:"lookback_days" mapstructure:"lookback_days" json:"lookback_days"`
}

// Interval returns the pause between batches.
func (p PoolConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSecs) * time.Second
}

// Validate checks the pool knobs that must be positive.
func (p PoolConfig) Validate() error {
	var errs []string
	if p.BatchSize < 1 {
		errs = append(errs, "batch_size must be >= 1")
	}
	if p.Depth < 1 {
		errs = append(errs, "depth must be >= 1")
	}
	if len(p.Players) == 0 {
		errs = append(errs, "players must not be empty")
	}
	if len(errs) > 0 {
		return eris.New(strings.Join(errs, "; "))
	}
	return nil
}

// SchedulerConfig configures pool recovery.
type SchedulerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindowSecs  int `yaml:"failure_window_secs" mapstructure:"failure_window_secs"`
	HealthIntervalSecs int `yaml:"health_interval_secs" mapstructure:"health_interval_secs"`
	RecentSummaries    int `yaml:"recent_summaries" mapstructure:"recent_summaries"`
}

// TunerConfig holds the promotion gate thresholds.
type TunerConfig struct {
	MinSamples        int     `yaml:"min_samples" mapstructure:"min_samples"`
	SubgroupFloor     int     `yaml:"subgroup_floor" mapstructure:"subgroup_floor"`
	DecayFactor       float64 `yaml:"decay_factor" mapstructure:"decay_factor"`
	DeployThreshold   float64 `yaml:"deploy_threshold" mapstructure:"deploy_threshold"`
	TargetImprovement float64 `yaml:"target_improvement" mapstructure:"target_improvement"`
	SignificanceLevel float64 `yaml:"significance_level" mapstructure:"significance_level"`
	AutoDeploy        bool    `yaml:"auto_deploy" mapstructure:"auto_deploy"`
}

// RedisConfig enables the shared cooldown mirror. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PoolNames returns the configured pool names in stable order.
func (c *Config) PoolNames() []string {
	names := make([]string, 0, len(c.Pools))
	for n := range c.Pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GAMEBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "gamebench.db")
	v.SetDefault("store.timeout_secs", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("sources.game.base_url", "https://lichess.org")
	v.SetDefault("sources.game.min_interval_ms", 1000)
	v.SetDefault("sources.game.page_size", 100)
	v.SetDefault("sources.game.fetch_multiplier", 8)
	v.SetDefault("sources.game.max_pages", 5)
	v.SetDefault("sources.game.timeout_secs", 30)
	v.SetDefault("sources.eval.enabled", false)
	v.SetDefault("sources.eval.base_url", "https://lichess.org")
	v.SetDefault("sources.eval.min_interval_ms", 1000)
	v.SetDefault("sources.eval.multi_pv", 1)
	v.SetDefault("sources.eval.timeout_secs", 10)
	v.SetDefault("engine.path", "stockfish")
	v.SetDefault("engine.threads", 1)
	v.SetDefault("engine.hash_mb", 64)
	v.SetDefault("engine.base_timeout_ms", 2000)
	v.SetDefault("engine.per_depth_timeout_ms", 250)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_delay_ms", 500)
	v.SetDefault("engine.probe_timeout_ms", 1000)
	v.SetDefault("pools", map[string]any{
		"fast": map[string]any{
			"batch_size":    50,
			"depth":         12,
			"interval_secs": 60,
			"players":       []string{"DrNykterstein", "penguingim1"},
			"speed":         "blitz",
			"window_hours":  6,
			"lookback_days": 30,
		},
		"deep": map[string]any{
			"batch_size":    10,
			"depth":         22,
			"interval_secs": 300,
			"players":       []string{"DrNykterstein", "alireza2003"},
			"speed":         "classical",
			"window_hours":  48,
			"lookback_days": 180,
		},
	})
	v.SetDefault("scheduler.failure_threshold", 5)
	v.SetDefault("scheduler.failure_window_secs", 600)
	v.SetDefault("scheduler.health_interval_secs", 30)
	v.SetDefault("scheduler.recent_summaries", 20)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("tuner.min_samples", 200)
	v.SetDefault("tuner.subgroup_floor", 20)
	v.SetDefault("tuner.decay_factor", 0.9)
	v.SetDefault("tuner.deploy_threshold", 0.55)
	v.SetDefault("tuner.target_improvement", 0.02)
	v.SetDefault("tuner.significance_level", 0.05)
	v.SetDefault("tuner.auto_deploy", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration required by the given command mode
// ("serve", "run", "status", "migrate").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "migrate", "status":
	case "serve", "run":
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if len(c.Pools) == 0 {
			errs = append(errs, "pools must define at least one pool")
		}
		for _, name := range c.PoolNames() {
			if err := c.Pools[name].Validate(); err != nil {
				errs = append(errs, "pools."+name+": "+err.Error())
			}
		}
		if c.Engine.Path == "" && !c.Sources.Eval.Enabled {
			errs = append(errs, "engine.path is required unless sources.eval.enabled")
		}
		if c.Engine.MaxRetries < 1 {
			errs = append(errs, "engine.max_retries must be >= 1")
		}
		if c.Tuner.DecayFactor <= 0 || c.Tuner.DecayFactor > 1 {
			errs = append(errs, "tuner.decay_factor must be in (0, 1]")
		}
		if c.Tuner.DeployThreshold < 0 || c.Tuner.DeployThreshold > 1 {
			errs = append(errs, "tuner.deploy_threshold must be in [0, 1]")
		}
		if c.Tuner.SignificanceLevel <= 0 || c.Tuner.SignificanceLevel >= 1 {
			errs = append(errs, "tuner.significance_level must be in (0, 1)")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
