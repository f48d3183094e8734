// Package engine wraps position-scoring engines behind a bounded-latency
// worker with retry and liveness semantics.
package engine

import (
	"context"
	"strings"

	"github.com/sells-group/gamebench/internal/model"
)

// Engine scores positions. Implementations are not required to be safe for
// concurrent Analyse calls; the Worker serialises access.
type Engine interface {
	Name() string
	// Analyse returns a white-relative evaluation of key searched to depth.
	// It returns ctx.Err() when ctx ends first.
	Analyse(ctx context.Context, key string, depth int) (model.Evaluation, error)
	// Ping is a liveness probe.
	Ping(ctx context.Context) error
	Restart(ctx context.Context) error
	Close() error
}

// fullFEN appends move counters to a clock-less position key.
func fullFEN(key string) string {
	if len(strings.Fields(key)) == 4 {
		return key + " 0 1"
	}
	return key
}

// blackToMove reports whether the side-to-move field of fen is black.
func blackToMove(fen string) bool {
	f := strings.Fields(fen)
	return len(f) > 1 && f[1] == "b"
}
