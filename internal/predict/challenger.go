package predict

import (
	"math"
	"strings"

	"github.com/notnil/chess"

	"github.com/sells-group/gamebench/internal/model"
)

// ArchetypeNone labels predictions with no dominant feature.
const ArchetypeNone = "none"

// DefaultMargin is the weighted score inside which the challenger predicts even.
const DefaultMargin = 0.05

var pieceValues = map[chess.PieceType]float64{
	chess.Pawn:   1,
	chess.Knight: 3,
	chess.Bishop: 3,
	chess.Rook:   5,
	chess.Queen:  9,
}

// Features are the challenger's inputs, each in [-1, 1] and positive when
// they favour side A.
type Features map[string]float64

// Challenger predicts from move-pattern features of the game so far. It
// never consults the scoring engine.
type Challenger struct {
	Margin float64
}

// NewChallenger returns a Challenger with the default even margin.
func NewChallenger() *Challenger {
	return &Challenger{Margin: DefaultMargin}
}

// Extract computes the feature vector of a sample.
func Extract(sample model.PositionSample) Features {
	var checks, captures, castled, minors [2]float64
	for i, san := range sample.Moves {
		side := i % 2
		if strings.ContainsAny(san, "+#") {
			checks[side]++
		}
		if strings.Contains(san, "x") {
			captures[side]++
		}
		if strings.HasPrefix(san, "O-O") {
			castled[side] = 1
		}
		if strings.HasPrefix(san, "N") || strings.HasPrefix(san, "B") {
			minors[side]++
		}
	}
	return Features{
		model.WeightMaterial:    material(sample.PositionKey),
		model.WeightInitiative:  balance(checks),
		model.WeightTempo:       balance(captures),
		model.WeightKingSafety:  castled[0] - castled[1],
		model.WeightDevelopment: balance(minors),
	}
}

// Predict scores sample under weights and returns the outcome, a confidence
// in [0, 1] and the dominant feature as the archetype.
func (c *Challenger) Predict(sample model.PositionSample, weights model.Weights) (model.Outcome, float64, string) {
	feats := Extract(sample)

	var score, best float64
	archetype := ArchetypeNone
	for _, name := range weights.Names() {
		contrib := weights[name] * feats[name]
		score += contrib
		if math.Abs(contrib) > best {
			best = math.Abs(contrib)
			archetype = name
		}
	}

	margin := c.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	conf := math.Min(1, math.Abs(score))
	switch {
	case score > margin:
		return model.OutcomeFavorA, conf, archetype
	case score < -margin:
		return model.OutcomeFavorB, conf, archetype
	default:
		return model.OutcomeEven, 1 - math.Abs(score)/margin, archetype
	}
}

// material returns the white-minus-black material balance of a FEN board,
// scaled so a queen's advantage saturates.
func material(key string) float64 {
	if key == "" {
		return 0
	}
	fen := key
	if len(strings.Fields(fen)) == 4 {
		fen += " 0 1"
	}
	opt, err := chess.FEN(fen)
	if err != nil {
		return 0
	}
	var diff float64
	for _, p := range chess.NewGame(opt).Position().Board().SquareMap() {
		v := pieceValues[p.Type()]
		if p.Color() == chess.White {
			diff += v
		} else {
			diff -= v
		}
	}
	return clamp(diff / 9)
}

func balance(v [2]float64) float64 {
	total := v[0] + v[1]
	if total == 0 {
		return 0
	}
	return (v[0] - v[1]) / total
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
