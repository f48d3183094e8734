package predict

import (
	"time"

	"github.com/sells-group/gamebench/internal/model"
)

// Comparator runs both predictors on a sample and scores them against the
// game's actual outcome.
type Comparator struct {
	Baseline   *Baseline
	Challenger *Challenger
	now        func() time.Time
}

// NewComparator returns a Comparator with default predictors.
func NewComparator() *Comparator {
	return &Comparator{Baseline: NewBaseline(), Challenger: NewChallenger(), now: time.Now}
}

// Compare builds the PredictionAttempt for sample. Correctness is exact class
// equality with actual.
func (c *Comparator) Compare(pool string, sample model.PositionSample, eval model.Evaluation, weights model.Weights, actual model.Outcome) model.PredictionAttempt {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	bPred, bConf := c.Baseline.Predict(eval, sample.PositionKey)
	cPred, cConf, archetype := c.Challenger.Predict(sample, weights)
	ts := now().UTC()
	return model.PredictionAttempt{
		PositionHash:         sample.PositionHash,
		GameID:               sample.GameID,
		MoveIndex:            sample.MoveIndex,
		PositionKey:          sample.PositionKey,
		Pool:                 pool,
		ChallengerPrediction: cPred,
		ChallengerConfidence: cConf,
		Archetype:            archetype,
		BaselinePrediction:   bPred,
		BaselineConfidence:   bConf,
		BaselineDepth:        eval.Depth,
		Actual:               actual,
		ChallengerCorrect:    cPred == actual,
		BaselineCorrect:      bPred == actual,
		CreatedAt:            ts,
		ResolvedAt:           ts,
	}
}
