// Package stats aggregates prediction attempts into benchmark summaries:
// accuracy, a two-proportion significance test, confidence intervals and
// effect size.
package stats

import (
	"math"
)

// Critical values for two-sided normal intervals.
const (
	Z95 = 1.96
	Z99 = 2.576
)

// CriticalValue maps a confidence level to its two-sided z. Only 0.95 and
// 0.99 are supported; anything else falls back to 95%.
func CriticalValue(level float64) float64 {
	if level == 0.99 {
		return Z99
	}
	return Z95
}

// Abramowitz & Stegun 26.2.17 coefficients.
const (
	asP  = 0.2316419
	asB1 = 0.319381530
	asB2 = -0.356563782
	asB3 = 1.781477937
	asB4 = -1.821255978
	asB5 = 1.330274429
)

// NormalCDF approximates the standard normal cumulative distribution using
// Abramowitz & Stegun formula 26.2.17 (absolute error < 7.5e-8).
func NormalCDF(z float64) float64 {
	if math.IsNaN(z) {
		return math.NaN()
	}
	if z < 0 {
		return 1 - NormalCDF(-z)
	}
	t := 1 / (1 + asP*z)
	pdf := math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
	poly := t * (asB1 + t*(asB2+t*(asB3+t*(asB4+t*asB5))))
	return 1 - pdf*poly
}

// TwoTailedP returns the two-sided p-value for a standard normal statistic.
func TwoTailedP(z float64) float64 {
	p := 2 * (1 - NormalCDF(math.Abs(z)))
	return clamp01(p)
}

// ZTestResult is the outcome of a two-proportion z-test.
type ZTestResult struct {
	Z      float64 `json:"z"`
	PValue float64 `json:"p_value"`
}

// TwoProportionZTest compares baselineCorrect/n against challengerCorrect/n
// with a pooled standard error. A positive Z favours the challenger. A
// degenerate pool (n == 0, or every answer right or wrong) yields Z=0, p=1.
func TwoProportionZTest(baselineCorrect, challengerCorrect, n int) ZTestResult {
	if n <= 0 {
		return ZTestResult{PValue: 1}
	}
	p1 := float64(baselineCorrect) / float64(n)
	p2 := float64(challengerCorrect) / float64(n)
	pooled := float64(baselineCorrect+challengerCorrect) / float64(2*n)
	se := math.Sqrt(pooled * (1 - pooled) * (2 / float64(n)))
	if se == 0 {
		return ZTestResult{PValue: 1}
	}
	z := (p2 - p1) / se
	return ZTestResult{Z: z, PValue: TwoTailedP(z)}
}

// WaldInterval returns the normal-approximation interval for successes/n at
// critical value z, clamped to [0, 1].
func WaldInterval(successes, n int, z float64) (lower, upper float64) {
	if n <= 0 {
		return 0, 0
	}
	p := float64(successes) / float64(n)
	margin := z * math.Sqrt(p*(1-p)/float64(n))
	return clamp01(p - margin), clamp01(p + margin)
}

// CohensD is the standardised difference between two proportions using the
// pooled standard deviation sqrt((var1+var2)/2), var = p(1-p).
func CohensD(pBaseline, pChallenger float64) float64 {
	v1 := pBaseline * (1 - pBaseline)
	v2 := pChallenger * (1 - pChallenger)
	sd := math.Sqrt((v1 + v2) / 2)
	if sd == 0 {
		return 0
	}
	return (pChallenger - pBaseline) / sd
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
