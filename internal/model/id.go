package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// GameID is the canonical, provider-prefix-stripped identifier of a game.
// The zero value is invalid; construct with ParseGameID.
type GameID struct {
	raw string
}

// ErrInvalidGameID is returned when an id cannot be normalised.
var ErrInvalidGameID = eris.New("model: invalid game id")

// gameIDLen is the length of a canonical game id on the supported providers.
const gameIDLen = 8

// knownPrefixes are stripped, in order, before validation.
var knownPrefixes = []string{
	"https://lichess.org/",
	"http://lichess.org/",
	"lichess.org/",
	"lichess:",
	"lichess_",
	"li:",
}

// ParseGameID normalises any accepted spelling of a game id (raw, provider
// prefixed, or a game URL with colour/ply suffixes) to its canonical form.
func ParseGameID(s string) (GameID, error) {
	id := strings.TrimSpace(s)
	for _, p := range knownPrefixes {
		if len(id) >= len(p) && strings.EqualFold(id[:len(p)], p) {
			id = id[len(p):]
			break
		}
	}

	// Game URLs may carry a colour path, ply fragment or query string.
	if i := strings.IndexAny(id, "/#?"); i >= 0 {
		id = id[:i]
	}

	// Player-perspective ids are 12 characters; the first 8 are the game.
	if len(id) == 12 && isAlnum(id) {
		id = id[:gameIDLen]
	}

	if len(id) != gameIDLen || !isAlnum(id) {
		return GameID{}, eris.Wrapf(ErrInvalidGameID, "%q", s)
	}
	return GameID{raw: id}, nil
}

// MustGameID is ParseGameID for constants and tests; it panics on bad input.
func MustGameID(s string) GameID {
	id, err := ParseGameID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical id.
func (g GameID) String() string { return g.raw }

// IsZero reports whether g was never parsed.
func (g GameID) IsZero() bool { return g.raw == "" }

// MarshalText implements encoding.TextMarshaler.
func (g GameID) MarshalText() ([]byte, error) {
	return []byte(g.raw), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and normalises input.
func (g *GameID) UnmarshalText(b []byte) error {
	id, err := ParseGameID(string(b))
	if err != nil {
		return err
	}
	*g = id
	return nil
}

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
