package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/gamebench/internal/model"
)

// Metrics holds the Prometheus instruments of the benchmark pipeline on
// a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	GamesFetched   *prometheus.CounterVec
	GamesProcessed *prometheus.CounterVec
	EvalDuration   *prometheus.HistogramVec
	EngineFailures *prometheus.CounterVec
	Recoveries     *prometheus.CounterVec
	PoolState      *prometheus.GaugeVec
	Accuracy       *prometheus.GaugeVec
	PValue         *prometheus.GaugeVec
	Generation     prometheus.Gauge
	Promotions     prometheus.Counter
	LedgerEntries  *prometheus.GaugeVec
	BreakerState   *prometheus.GaugeVec
}

// NewMetrics creates and registers every instrument.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		GamesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamebench_games_fetched_total",
				Help: "Candidate games returned by the game source",
			},
			[]string{"pool"},
		),
		GamesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamebench_games_processed_total",
				Help: "Games processed by outcome",
			},
			[]string{"pool", "outcome"},
		),
		EvalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gamebench_evaluation_duration_seconds",
				Help:    "Wall time of one position evaluation including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"pool"},
		),
		EngineFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamebench_engine_failures_total",
				Help: "Failed evaluations by error class",
			},
			[]string{"pool", "class"},
		),
		Recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamebench_pool_recoveries_total",
				Help: "Pool recoveries by result",
			},
			[]string{"pool", "result"},
		),
		PoolState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gamebench_pool_state",
				Help: "1 for the current state of each pool, 0 otherwise",
			},
			[]string{"pool", "state"},
		),
		Accuracy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gamebench_accuracy",
				Help: "Latest accuracy per pool and predictor",
			},
			[]string{"pool", "predictor"},
		),
		PValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gamebench_p_value",
				Help: "Latest two-proportion z-test p-value per pool",
			},
			[]string{"pool"},
		),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamebench_challenger_generation",
			Help: "Current challenger weight generation",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamebench_promotions_total",
			Help: "Challenger promotions",
		}),
		LedgerEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gamebench_ledger_entries",
				Help: "Dedup ledger entries by status",
			},
			[]string{"status"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gamebench_provider_circuit_open",
				Help: "1 while the provider circuit is open or half-open",
			},
			[]string{"provider"},
		),
	}
	m.registry.MustRegister(
		m.GamesFetched, m.GamesProcessed, m.EvalDuration, m.EngineFailures,
		m.Recoveries, m.PoolState, m.Accuracy, m.PValue, m.Generation,
		m.Promotions, m.LedgerEntries, m.BreakerState,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(pool string, games int) {
	if m == nil {
		return
	}
	m.GamesFetched.WithLabelValues(pool).Add(float64(games))
}

func (m *Metrics) ObserveGame(pool, outcome string) {
	if m == nil {
		return
	}
	m.GamesProcessed.WithLabelValues(pool, outcome).Inc()
}

func (m *Metrics) ObserveEvaluation(pool string, d time.Duration, class string) {
	if m == nil {
		return
	}
	m.EvalDuration.WithLabelValues(pool).Observe(d.Seconds())
	if class != "" {
		m.EngineFailures.WithLabelValues(pool, class).Inc()
	}
}

func (m *Metrics) ObserveRecovery(pool string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Recoveries.WithLabelValues(pool, result).Inc()
}

// SetPoolState marks state as current for pool among states.
func (m *Metrics) SetPoolState(pool, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.PoolState.WithLabelValues(pool, s).Set(v)
	}
}

func (m *Metrics) ObserveSummary(s model.BenchmarkSummary) {
	if m == nil {
		return
	}
	m.Accuracy.WithLabelValues(s.Pool, "challenger").Set(s.ChallengerAccuracy)
	m.Accuracy.WithLabelValues(s.Pool, "baseline").Set(s.BaselineAccuracy)
	m.PValue.WithLabelValues(s.Pool).Set(s.PValue)
}

func (m *Metrics) ObserveEvolution(st *model.EvolutionState, promoted bool) {
	if m == nil || st == nil {
		return
	}
	m.Generation.Set(float64(st.Generation))
	if promoted {
		m.Promotions.Inc()
	}
}

func (m *Metrics) ObserveLedger(inFlight, accepted, failed int) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(string(model.LedgerInFlight)).Set(float64(inFlight))
	m.LedgerEntries.WithLabelValues(string(model.LedgerAccepted)).Set(float64(accepted))
	m.LedgerEntries.WithLabelValues(string(model.LedgerFailed)).Set(float64(failed))
}

// ObserveBreaker records a provider circuit transition.
func (m *Metrics) ObserveBreaker(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}
