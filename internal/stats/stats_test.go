package stats

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gamebench/internal/model"
)

func TestNormalCDF_KnownValues(t *testing.T) {
	tests := []struct {
		z    float64
		want float64
	}{
		{0, 0.5},
		{1, 0.8413447},
		{1.96, 0.9750021},
		{-1.96, 0.0249979},
		{2.576, 0.9950025},
		{-3, 0.0013499},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NormalCDF(tt.z), 1e-6, "z=%v", tt.z)
	}
	assert.True(t, math.IsNaN(NormalCDF(math.NaN())))
}

func TestTwoProportionZTest_Significant(t *testing.T) {
	r := TwoProportionZTest(40, 60, 100)
	assert.InDelta(t, 2.83, r.Z, 0.01)
	assert.Less(t, r.PValue, 0.01)
}

func TestTwoProportionZTest_NotSignificant(t *testing.T) {
	r := TwoProportionZTest(49, 51, 100)
	assert.Greater(t, r.PValue, 0.5)
}

func TestTwoProportionZTest_Symmetric(t *testing.T) {
	a := TwoProportionZTest(40, 60, 100)
	b := TwoProportionZTest(60, 40, 100)
	assert.InDelta(t, -a.Z, b.Z, 1e-12)
	assert.InDelta(t, a.PValue, b.PValue, 1e-12)
}

func TestTwoProportionZTest_Degenerate(t *testing.T) {
	for _, tc := range [][3]int{{0, 0, 0}, {0, 0, 10}, {10, 10, 10}} {
		r := TwoProportionZTest(tc[0], tc[1], tc[2])
		assert.Equal(t, 0.0, r.Z)
		assert.Equal(t, 1.0, r.PValue)
	}
}

func TestWaldInterval(t *testing.T) {
	lo, hi := WaldInterval(76, 100, Z95)
	assert.InDelta(t, 0.677, lo, 0.001)
	assert.InDelta(t, 0.843, hi, 0.001)

	lo99, hi99 := WaldInterval(76, 100, CriticalValue(0.99))
	assert.Less(t, lo99, lo)
	assert.Greater(t, hi99, hi)

	lo, hi = WaldInterval(1, 2, Z99)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 1.0, hi)

	lo, hi = WaldInterval(0, 0, Z95)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestCohensD(t *testing.T) {
	// sd = sqrt((0.24 + 0.24)/2) = sqrt(0.24)
	assert.InDelta(t, 0.2/math.Sqrt(0.24), CohensD(0.4, 0.6), 1e-12)
	assert.Equal(t, 0.0, CohensD(1, 1))
	assert.Less(t, CohensD(0.6, 0.4), 0.0)
}

func attempts(n, challengerCorrect, baselineCorrect int, pool string) []model.PredictionAttempt {
	out := make([]model.PredictionAttempt, n)
	for i := range out {
		out[i] = model.PredictionAttempt{
			PositionHash:      string(rune('a'+i%26)) + string(rune('a'+i/26%26)) + string(rune('a'+i/676)),
			Pool:              pool,
			ChallengerCorrect: i < challengerCorrect,
			BaselineCorrect:   i >= n-baselineCorrect,
			Archetype:         model.WeightMaterial,
		}
	}
	return out
}

func TestSummarize(t *testing.T) {
	as := attempts(100, 60, 40, "fast")
	s := Summarize(as, "fast", 0)

	assert.Equal(t, 100, s.Total)
	assert.InDelta(t, 0.6, s.ChallengerAccuracy, 1e-12)
	assert.InDelta(t, 0.4, s.BaselineAccuracy, 1e-12)
	assert.InDelta(t, 0.2, s.Improvement, 1e-12)
	assert.Equal(t, 100, s.BothCorrect+s.BothWrong+s.ChallengerOnlyCorrect+s.BaselineOnlyCorrect)
	// Challenger correct on [0,60), baseline on [60,100): disjoint.
	assert.Equal(t, 60, s.ChallengerOnlyCorrect)
	assert.Equal(t, 40, s.BaselineOnlyCorrect)
	assert.InDelta(t, 2.83, s.ZScore, 0.01)
	assert.True(t, s.Significant)
	assert.Less(t, s.ChallengerCI.Lower, 0.6)
	assert.Greater(t, s.ChallengerCI.Upper, 0.6)
	assert.Greater(t, s.CohensD, 0.0)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, model.PoolAll, 0.05)
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, 1.0, s.PValue)
	assert.False(t, s.Significant)
}

func TestSummarize_IdempotentUnderPermutation(t *testing.T) {
	as := attempts(200, 110, 95, "deep")
	first := Summarize(as, "deep", 0.05)

	shuffled := make([]model.PredictionAttempt, len(as))
	copy(shuffled, as)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	second := Summarize(shuffled, "deep", 0.05)

	second.ComputedAt = first.ComputedAt
	assert.Equal(t, first, second)
	// Input slice is not reordered.
	assert.Equal(t, as[0].PositionHash, attempts(200, 110, 95, "deep")[0].PositionHash)
}

func TestSummarizeByPool(t *testing.T) {
	as := append(attempts(10, 5, 5, "fast"), attempts(20, 10, 10, "deep")...)
	out := SummarizeByPool(as, 0.05)
	require.Len(t, out, 3)
	assert.Equal(t, 10, out["fast"].Total)
	assert.Equal(t, 20, out["deep"].Total)
	assert.Equal(t, 30, out[model.PoolAll].Total)
}

func TestBySubgroup(t *testing.T) {
	as := []model.PredictionAttempt{
		{Archetype: "tempo", ChallengerCorrect: true},
		{Archetype: "tempo", BaselineCorrect: true},
		{Archetype: "material", ChallengerCorrect: true, BaselineCorrect: true},
	}
	groups := BySubgroup(as)
	require.Len(t, groups, 2)
	assert.Equal(t, "material", groups[0].Archetype)
	assert.Equal(t, 2, groups[1].Size)
	assert.InDelta(t, 0.5, groups[1].Challenger, 1e-12)
	assert.InDelta(t, 0.5, groups[1].Baseline, 1e-12)
}
