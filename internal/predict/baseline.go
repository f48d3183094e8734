// Package predict holds the two predictors under comparison and the
// comparator that scores them against the real result.
package predict

import (
	"math"
	"strings"

	"github.com/sells-group/gamebench/internal/model"
)

// Baseline defaults.
const (
	DefaultEvenBandCp = 50
	DefaultFullConfCp = 300
)

// Baseline thresholds an engine evaluation into an outcome class. Scores are
// white-relative; white is side A.
type Baseline struct {
	// EvenBandCp is the half-width of the centipawn band predicted as even.
	EvenBandCp int
	// FullConfCp is the magnitude at which confidence saturates at 1.
	FullConfCp int
}

// NewBaseline returns a Baseline with default thresholds.
func NewBaseline() *Baseline {
	return &Baseline{EvenBandCp: DefaultEvenBandCp, FullConfCp: DefaultFullConfCp}
}

// Predict maps eval of the position key to an outcome and a confidence in
// [0, 1]. Forced mates map by sign with full confidence. Mate 0 carries no
// sign: the side to move in key is already checkmated.
func (b *Baseline) Predict(eval model.Evaluation, key string) (model.Outcome, float64) {
	if eval.Mate != nil {
		switch m := *eval.Mate; {
		case m > 0:
			return model.OutcomeFavorA, 1
		case m < 0:
			return model.OutcomeFavorB, 1
		case blackToMove(key):
			return model.OutcomeFavorA, 1
		default:
			return model.OutcomeFavorB, 1
		}
	}

	band := b.EvenBandCp
	if band <= 0 {
		band = DefaultEvenBandCp
	}
	full := b.FullConfCp
	if full <= band {
		full = DefaultFullConfCp
	}

	cp := eval.Centipawns
	abs := math.Abs(float64(cp))
	switch {
	case cp > band:
		return model.OutcomeFavorA, math.Min(1, abs/float64(full))
	case cp < -band:
		return model.OutcomeFavorB, math.Min(1, abs/float64(full))
	default:
		return model.OutcomeEven, 1 - abs/float64(band+1)
	}
}

func blackToMove(key string) bool {
	f := strings.Fields(key)
	return len(f) > 1 && f[1] == "b"
}
