package model

import (
	"time"
)

// Outcome is a three-way result class from side A's (white's) point of view.
type Outcome string

const (
	OutcomeFavorA Outcome = "favor_a"
	OutcomeFavorB Outcome = "favor_b"
	OutcomeEven   Outcome = "even"
)

// Valid reports whether o is one of the three outcome classes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFavorA, OutcomeFavorB, OutcomeEven:
		return true
	}
	return false
}

// OutcomeFromResult maps a PGN result tag ("1-0", "0-1", "1/2-1/2") or a
// provider winner field ("white", "black", "") to an Outcome.
func OutcomeFromResult(result string) (Outcome, bool) {
	switch result {
	case "1-0", "white":
		return OutcomeFavorA, true
	case "0-1", "black":
		return OutcomeFavorB, true
	case "1/2-1/2", "½-½", "draw":
		return OutcomeEven, true
	}
	return "", false
}

// GameRecord is a finished game as returned by a source adapter. It is
// discarded once its PositionSample has been extracted.
type GameRecord struct {
	ID          GameID    `json:"id"`
	Source      string    `json:"source"`
	Moves       []string  `json:"moves"` // SAN
	Result      Outcome   `json:"result"`
	WhiteRating int       `json:"white_rating"`
	BlackRating int       `json:"black_rating"`
	Speed       string    `json:"speed"` // time-control class
	CreatedAt   time.Time `json:"created_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// PositionSample is the single position extracted from a game.
type PositionSample struct {
	GameID       GameID `json:"game_id"`
	MoveIndex    int    `json:"move_index"` // plies played before the position
	PositionKey  string `json:"position_key"`
	PositionHash string `json:"position_hash"`
	Speed        string `json:"speed,omitempty"`

	// Moves is the SAN history leading to the position. It feeds the
	// challenger's move-pattern features and is not persisted.
	Moves []string `json:"-"`
}

// Evaluation is a scoring engine's verdict on a position, white-relative.
type Evaluation struct {
	Centipawns int    `json:"cp"`
	Mate       *int   `json:"mate,omitempty"` // plies to forced mate; sign gives side
	Depth      int    `json:"depth"`
	BestMove   string `json:"best_move,omitempty"`
	Source     string `json:"source"`
}
