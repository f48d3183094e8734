// Package position turns a finished game into the single position sample
// that both predictors are scored on.
package position

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/notnil/chess"

	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/resilience"
)

// Defaults for sample selection.
const (
	DefaultMinPlies = 12
	DefaultFraction = 0.6
)

// Extractor replays a game's SAN moves and picks one position from it.
// Selection is deterministic: the same game always yields the same sample.
type Extractor struct {
	// MinPlies rejects games shorter than this.
	MinPlies int
	// Fraction of the game played before the sampled position.
	Fraction float64
}

// NewExtractor returns an Extractor with default settings.
func NewExtractor() *Extractor {
	return &Extractor{MinPlies: DefaultMinPlies, Fraction: DefaultFraction}
}

// Ply returns the number of plies played before the sampled position.
func (e *Extractor) Ply(total int) int {
	minPlies := e.minPlies()
	frac := e.Fraction
	if frac <= 0 || frac > 1 {
		frac = DefaultFraction
	}
	ply := int(float64(total) * frac)
	if ply < minPlies {
		ply = minPlies
	}
	if ply > total {
		ply = total
	}
	return ply
}

// Extract replays rec and returns its sample. Games that are too short or
// contain an illegal move are reported as *resilience.MalformedRecordError.
func (e *Extractor) Extract(rec model.GameRecord) (model.PositionSample, error) {
	if len(rec.Moves) < e.minPlies() {
		return model.PositionSample{}, &resilience.MalformedRecordError{Reason: "game too short"}
	}

	ply := e.Ply(len(rec.Moves))
	game := chess.NewGame()
	for i, san := range rec.Moves[:ply] {
		if err := game.MoveStr(san); err != nil {
			return model.PositionSample{}, &resilience.MalformedRecordError{
				Reason: fmt.Sprintf("illegal move %q at ply %d", san, i),
			}
		}
	}

	key := Key(game.Position().String())
	history := make([]string, ply)
	copy(history, rec.Moves[:ply])
	return model.PositionSample{
		GameID:       rec.ID,
		MoveIndex:    ply,
		PositionKey:  key,
		PositionHash: Hash(key),
		Speed:        rec.Speed,
		Moves:        history,
	}, nil
}

func (e *Extractor) minPlies() int {
	if e.MinPlies <= 0 {
		return DefaultMinPlies
	}
	return e.MinPlies
}

// Key strips the halfmove and fullmove clocks from a FEN so transpositions
// reached at different move numbers share a key.
func Key(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

// Hash is the hex SHA-256 of a position key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
