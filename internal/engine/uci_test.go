package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/resilience"
)

type pipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	once   sync.Once
	closer func()
}

func (p *pipeProcess) Stdin() io.Writer  { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader { return p.stdout }
func (p *pipeProcess) Kill() error {
	p.once.Do(p.closer)
	return nil
}

// responder answers one UCI command; it may write zero or more lines.
type responder func(cmd string, out io.Writer) (crash bool)

func defaultResponder(cp int) responder {
	return func(cmd string, out io.Writer) bool {
		switch {
		case cmd == "uci":
			fmt.Fprint(out, "id name Fake\nuciok\n")
		case cmd == "isready":
			fmt.Fprint(out, "readyok\n")
		case strings.HasPrefix(cmd, "go depth"):
			depth := strings.TrimPrefix(cmd, "go depth ")
			fmt.Fprintf(out, "info depth 1 score cp 5 pv a2a3\n")
			fmt.Fprintf(out, "info depth %s seldepth 20 multipv 1 score cp %d lowerbound nodes 10 pv d2d4\n", depth, cp+100)
			fmt.Fprintf(out, "info depth %s seldepth 20 multipv 1 score cp %d nodes 100 pv e2e4 e7e5\n", depth, cp)
			fmt.Fprint(out, "bestmove e2e4 ponder e7e5\n")
		}
		return false
	}
}

// fakeStart returns a StartFunc whose processes answer with r and records
// every command received.
func fakeStart(r responder) (StartFunc, func() []string, *int) {
	var (
		mu     sync.Mutex
		cmds   []string
		starts int
	)
	start := func(context.Context) (Process, error) {
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		mu.Lock()
		starts++
		mu.Unlock()
		go func() {
			sc := bufio.NewScanner(inR)
			for sc.Scan() {
				cmd := sc.Text()
				mu.Lock()
				cmds = append(cmds, cmd)
				mu.Unlock()
				if cmd == "quit" {
					break
				}
				if r(cmd, outW) {
					break
				}
			}
			outW.Close()
		}()
		return &pipeProcess{stdin: inW, stdout: outR, closer: func() {
			inW.Close()
			outR.Close()
		}}, nil
	}
	return start, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), cmds...)
	}, &starts
}

func startedEngine(t *testing.T, r responder) (*UCIEngine, func() []string, *int) {
	t.Helper()
	start, cmds, starts := fakeStart(r)
	e := newUCIEngine(UCIOptions{Path: "fake", Threads: 2, HashMB: 32, StopGrace: 100 * time.Millisecond}, start)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Close() })
	return e, cmds, starts
}

func TestUCIEngine_Handshake(t *testing.T) {
	_, cmds, _ := startedEngine(t, defaultResponder(0))
	got := cmds()
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, []string{"uci", "setoption name Threads value 2", "setoption name Hash value 32", "isready"}, got[:4])
}

func TestUCIEngine_AnalyseWhiteToMove(t *testing.T) {
	e, cmds, _ := startedEngine(t, defaultResponder(42))

	ev, err := e.Analyse(context.Background(), "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -", 12)
	require.NoError(t, err)
	assert.Equal(t, 42, ev.Centipawns)
	assert.Equal(t, 12, ev.Depth)
	assert.Equal(t, "e2e4", ev.BestMove)
	assert.Equal(t, "local", ev.Source)
	assert.Contains(t, cmds(), "position fen rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1")
	assert.Contains(t, cmds(), "go depth 12")
}

func TestUCIEngine_AnalyseBlackToMoveIsWhiteRelative(t *testing.T) {
	e, _, _ := startedEngine(t, defaultResponder(42))

	ev, err := e.Analyse(context.Background(), "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq -", 8)
	require.NoError(t, err)
	assert.Equal(t, -42, ev.Centipawns)
}

func TestUCIEngine_MateScore(t *testing.T) {
	e, _, _ := startedEngine(t, func(cmd string, out io.Writer) bool {
		if strings.HasPrefix(cmd, "go") {
			fmt.Fprint(out, "info depth 5 score mate 2 pv h5f7\nbestmove h5f7\n")
			return false
		}
		return defaultResponder(0)(cmd, out)
	})

	ev, err := e.Analyse(context.Background(), "fen b - -", 5)
	require.NoError(t, err)
	require.NotNil(t, ev.Mate)
	assert.Equal(t, -2, *ev.Mate)
}

func TestUCIEngine_TimeoutStopsSearch(t *testing.T) {
	e, cmds, _ := startedEngine(t, func(cmd string, out io.Writer) bool {
		switch {
		case strings.HasPrefix(cmd, "go"):
			// Search never finishes on its own.
		case cmd == "stop":
			fmt.Fprint(out, "bestmove e2e4\n")
		default:
			defaultResponder(0)(cmd, out)
		}
		return false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Analyse(ctx, "fen w - -", 30)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, cmds(), "stop")

	// The engine is still usable.
	require.NoError(t, e.Ping(context.Background()))
}

func TestUCIEngine_CrashDuringSearch(t *testing.T) {
	e, _, _ := startedEngine(t, func(cmd string, out io.Writer) bool {
		if strings.HasPrefix(cmd, "go") {
			return true
		}
		return defaultResponder(0)(cmd, out)
	})

	_, err := e.Analyse(context.Background(), "fen w - -", 10)
	assert.True(t, resilience.IsEngineCrashed(err))

	err = e.Ping(context.Background())
	assert.True(t, resilience.IsEngineCrashed(err))
}

func TestUCIEngine_Restart(t *testing.T) {
	e, cmds, starts := startedEngine(t, defaultResponder(10))

	require.NoError(t, e.Restart(context.Background()))
	assert.Equal(t, 2, *starts)
	assert.Contains(t, cmds(), "quit")

	ev, err := e.Analyse(context.Background(), "fen w - -", 4)
	require.NoError(t, err)
	assert.Equal(t, 10, ev.Centipawns)
}

// chattyProcess answers every wait with an endless stream of lines, and its
// Kill leaves stdout open the way an orphaned child holding the pipe would.
type chattyProcess struct {
	out *repeatReader
}

func (p *chattyProcess) Stdin() io.Writer  { return io.Discard }
func (p *chattyProcess) Stdout() io.Reader { return p.out }
func (p *chattyProcess) Kill() error       { return nil }

type repeatReader struct {
	data []byte
	off  int
}

func (r *repeatReader) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		c := copy(b[n:], r.data[r.off:])
		n += c
		r.off = (r.off + c) % len(r.data)
	}
	return n, nil
}

func TestUCIEngine_RestartStopsStaleReader(t *testing.T) {
	start := func(context.Context) (Process, error) {
		return &chattyProcess{out: &repeatReader{data: []byte("uciok\nreadyok\n")}}, nil
	}
	e := newUCIEngine(UCIOptions{Path: "fake"}, start)
	require.NoError(t, e.Start(context.Background()))
	stale := e.lines

	require.NoError(t, e.Restart(context.Background()))
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-stale:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, time.Millisecond, "the old reader exits instead of blocking on a full channel")

	current := e.lines
	require.NoError(t, e.Close())
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-current:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, time.Millisecond)
}

func TestUCIEngine_NotStarted(t *testing.T) {
	start, _, _ := fakeStart(defaultResponder(0))
	e := newUCIEngine(UCIOptions{}, start)
	_, err := e.Analyse(context.Background(), "fen w - -", 4)
	assert.True(t, resilience.IsEngineCrashed(err))
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		line   string
		scored bool
		cp     int
		best   string
	}{
		{"info depth 10 score cp -15 pv e7e5 g1f3", true, -15, "e7e5"},
		{"info depth 10 score cp 15 upperbound", false, 0, ""},
		{"info string NNUE enabled", false, 0, ""},
		{"info currmove e2e4 currmovenumber 1", false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			var ev model.Evaluation
			assert.Equal(t, tt.scored, parseInfo(strings.Fields(tt.line), &ev))
			assert.Equal(t, tt.cp, ev.Centipawns)
			assert.Equal(t, tt.best, ev.BestMove)
		})
	}
}
