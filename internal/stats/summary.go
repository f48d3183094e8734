package stats

import (
	"sort"
	"time"

	"github.com/sells-group/gamebench/internal/model"
)

// DefaultAlpha is the significance level used when none is configured.
const DefaultAlpha = 0.05

// Summarize aggregates attempts into a BenchmarkSummary labelled pool.
// Attempts are ordered by position hash first so the result is identical for
// any permutation of the same set.
func Summarize(attempts []model.PredictionAttempt, pool string, alpha float64) model.BenchmarkSummary {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	sorted := make([]model.PredictionAttempt, len(attempts))
	copy(sorted, attempts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PositionHash < sorted[j].PositionHash })

	s := model.BenchmarkSummary{Pool: pool, Total: len(sorted), ComputedAt: time.Now().UTC()}
	var challenger, baseline int
	for _, a := range sorted {
		switch {
		case a.ChallengerCorrect && a.BaselineCorrect:
			s.BothCorrect++
		case a.ChallengerCorrect:
			s.ChallengerOnlyCorrect++
		case a.BaselineCorrect:
			s.BaselineOnlyCorrect++
		default:
			s.BothWrong++
		}
		if a.ChallengerCorrect {
			challenger++
		}
		if a.BaselineCorrect {
			baseline++
		}
	}
	if s.Total == 0 {
		s.PValue = 1
		return s
	}

	n := float64(s.Total)
	s.ChallengerAccuracy = float64(challenger) / n
	s.BaselineAccuracy = float64(baseline) / n
	s.Improvement = s.ChallengerAccuracy - s.BaselineAccuracy

	zt := TwoProportionZTest(baseline, challenger, s.Total)
	s.ZScore = zt.Z
	s.PValue = zt.PValue
	s.Significant = zt.PValue < alpha

	s.ChallengerCI.Lower, s.ChallengerCI.Upper = WaldInterval(challenger, s.Total, Z95)
	s.BaselineCI.Lower, s.BaselineCI.Upper = WaldInterval(baseline, s.Total, Z95)
	s.CohensD = CohensD(s.BaselineAccuracy, s.ChallengerAccuracy)
	return s
}

// SummarizeByPool returns one summary per pool present in attempts plus an
// aggregate labelled model.PoolAll.
func SummarizeByPool(attempts []model.PredictionAttempt, alpha float64) map[string]model.BenchmarkSummary {
	byPool := make(map[string][]model.PredictionAttempt)
	for _, a := range attempts {
		byPool[a.Pool] = append(byPool[a.Pool], a)
	}
	out := make(map[string]model.BenchmarkSummary, len(byPool)+1)
	for pool, as := range byPool {
		out[pool] = Summarize(as, pool, alpha)
	}
	out[model.PoolAll] = Summarize(attempts, model.PoolAll, alpha)
	return out
}

// SubgroupAccuracy is per-archetype accuracy of both predictors.
type SubgroupAccuracy struct {
	Archetype  string  `json:"archetype"`
	Size       int     `json:"size"`
	Challenger float64 `json:"challenger"`
	Baseline   float64 `json:"baseline"`
}

// BySubgroup groups attempts by challenger archetype, sorted by name.
func BySubgroup(attempts []model.PredictionAttempt) []SubgroupAccuracy {
	type acc struct{ n, c, b int }
	groups := make(map[string]*acc)
	for _, a := range attempts {
		g, ok := groups[a.Archetype]
		if !ok {
			g = &acc{}
			groups[a.Archetype] = g
		}
		g.n++
		if a.ChallengerCorrect {
			g.c++
		}
		if a.BaselineCorrect {
			g.b++
		}
	}
	out := make([]SubgroupAccuracy, 0, len(groups))
	for name, g := range groups {
		out = append(out, SubgroupAccuracy{
			Archetype:  name,
			Size:       g.n,
			Challenger: float64(g.c) / float64(g.n),
			Baseline:   float64(g.b) / float64(g.n),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Archetype < out[j].Archetype })
	return out
}
