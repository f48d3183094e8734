package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/resilience"
)

// Process is a running engine with line-oriented stdin and stdout.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Kill() error
}

// StartFunc launches a Process.
type StartFunc func(ctx context.Context) (Process, error)

// UCIOptions configures a UCIEngine.
type UCIOptions struct {
	Path      string
	Threads   int
	HashMB    int
	StopGrace time.Duration
}

// UCIEngine drives a local engine over the UCI protocol.
type UCIEngine struct {
	opts  UCIOptions
	start StartFunc
	log   *zap.Logger

	mu    sync.Mutex
	proc  Process
	lines <-chan string
	done  chan struct{} // closed to stop the reader of an abandoned process
}

// NewUCIEngine returns an engine that runs opts.Path. Call Start before use.
func NewUCIEngine(opts UCIOptions) *UCIEngine {
	return newUCIEngine(opts, ExecStart(opts.Path))
}

func newUCIEngine(opts UCIOptions, start StartFunc) *UCIEngine {
	if opts.StopGrace <= 0 {
		opts.StopGrace = time.Second
	}
	return &UCIEngine{
		opts:  opts,
		start: start,
		log:   zap.L().With(zap.String("component", "uci"), zap.String("path", opts.Path)),
	}
}

// Name implements Engine.
func (e *UCIEngine) Name() string { return "local" }

// Start launches the process and completes the UCI handshake.
func (e *UCIEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(ctx)
}

func (e *UCIEngine) startLocked(ctx context.Context) error {
	proc, err := e.start(ctx)
	if err != nil {
		return &resilience.EngineCrashedError{Err: eris.Wrap(err, "engine: start process")}
	}
	lines := make(chan string, 256)
	done := make(chan struct{})
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(proc.Stdout())
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	e.proc, e.lines, e.done = proc, lines, done

	if err := e.send("uci"); err != nil {
		return err
	}
	if _, err := e.waitFor(ctx, "uciok"); err != nil {
		return e.handshakeErr(err)
	}
	if e.opts.Threads > 0 {
		if err := e.send(fmt.Sprintf("setoption name Threads value %d", e.opts.Threads)); err != nil {
			return err
		}
	}
	if e.opts.HashMB > 0 {
		if err := e.send(fmt.Sprintf("setoption name Hash value %d", e.opts.HashMB)); err != nil {
			return err
		}
	}
	if err := e.sync(ctx); err != nil {
		return e.handshakeErr(err)
	}
	e.log.Info("engine: started")
	return nil
}

func (e *UCIEngine) handshakeErr(err error) error {
	if resilience.IsEngineCrashed(err) {
		return err
	}
	return &resilience.EngineCrashedError{Err: eris.Wrap(err, "engine: handshake")}
}

// Analyse implements Engine.
func (e *UCIEngine) Analyse(ctx context.Context, key string, depth int) (model.Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return model.Evaluation{}, &resilience.EngineCrashedError{Err: errors.New("engine not running")}
	}

	fen := fullFEN(key)
	// Discard anything left over from an earlier stopped search.
	if err := e.sync(ctx); err != nil {
		return model.Evaluation{}, err
	}
	if err := e.send("position fen " + fen); err != nil {
		return model.Evaluation{}, err
	}
	if err := e.send(fmt.Sprintf("go depth %d", depth)); err != nil {
		return model.Evaluation{}, err
	}

	ev := model.Evaluation{Source: e.Name()}
	scored := false
	for {
		select {
		case <-ctx.Done():
			e.stopLocked()
			return model.Evaluation{}, ctx.Err()
		case line, ok := <-e.lines:
			if !ok {
				e.proc = nil
				return model.Evaluation{}, &resilience.EngineCrashedError{Err: io.ErrUnexpectedEOF}
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "info":
				if parseInfo(fields, &ev) {
					scored = true
				}
			case "bestmove":
				if len(fields) > 1 {
					ev.BestMove = fields[1]
				}
				if !scored {
					return model.Evaluation{}, eris.Errorf("engine: no score for %s", key)
				}
				if blackToMove(fen) {
					ev.Centipawns = -ev.Centipawns
					if ev.Mate != nil {
						m := -*ev.Mate
						ev.Mate = &m
					}
				}
				return ev, nil
			}
		}
	}
}

// parseInfo folds an "info" line into ev and reports whether it carried a
// score. Bound scores from aspiration windows are ignored.
func parseInfo(fields []string, ev *model.Evaluation) bool {
	var (
		depth  int
		cp     *int
		mate   *int
		bound  bool
		pvMove string
	)
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				depth, _ = strconv.Atoi(fields[i+1])
				i++
			}
		case "score":
			if i+2 < len(fields) {
				v, err := strconv.Atoi(fields[i+2])
				if err == nil {
					switch fields[i+1] {
					case "cp":
						cp = &v
					case "mate":
						mate = &v
					}
				}
				i += 2
			}
		case "lowerbound", "upperbound":
			bound = true
		case "pv":
			if i+1 < len(fields) {
				pvMove = fields[i+1]
			}
			i = len(fields)
		}
	}
	if bound || (cp == nil && mate == nil) {
		return false
	}
	ev.Depth = depth
	ev.Mate = mate
	ev.Centipawns = 0
	if cp != nil {
		ev.Centipawns = *cp
	}
	if pvMove != "" {
		ev.BestMove = pvMove
	}
	return true
}

// Ping implements Engine with an isready/readyok round trip.
func (e *UCIEngine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return &resilience.EngineCrashedError{Err: errors.New("engine not running")}
	}
	return e.sync(ctx)
}

// Restart implements Engine.
func (e *UCIEngine) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	e.log.Warn("engine: restarting")
	return e.startLocked(ctx)
}

// Close implements Engine.
func (e *UCIEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	return nil
}

func (e *UCIEngine) closeLocked() {
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
	if e.proc == nil {
		return
	}
	_ = e.send("quit")
	if err := e.proc.Kill(); err != nil {
		e.log.Debug("engine: kill", zap.Error(err))
	}
	e.proc = nil
}

func (e *UCIEngine) sync(ctx context.Context) error {
	if err := e.send("isready"); err != nil {
		return err
	}
	_, err := e.waitFor(ctx, "readyok")
	return err
}

// stopLocked interrupts a running search and drains its bestmove. A search
// that does not stop within the grace period is left to the next sync.
func (e *UCIEngine) stopLocked() {
	if err := e.send("stop"); err != nil {
		return
	}
	grace, cancel := context.WithTimeout(context.Background(), e.opts.StopGrace)
	defer cancel()
	if _, err := e.waitFor(grace, "bestmove"); err != nil {
		e.log.Debug("engine: search did not stop in time", zap.Error(err))
	}
}

func (e *UCIEngine) send(cmd string) error {
	if _, err := io.WriteString(e.proc.Stdin(), cmd+"\n"); err != nil {
		return &resilience.EngineCrashedError{Err: eris.Wrapf(err, "engine: write %q", cmd)}
	}
	return nil
}

func (e *UCIEngine) waitFor(ctx context.Context, prefix string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-e.lines:
			if !ok {
				return "", &resilience.EngineCrashedError{Err: io.ErrUnexpectedEOF}
			}
			if strings.HasPrefix(line, prefix) {
				return line, nil
			}
		}
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// ExecStart returns a StartFunc that runs path as a child process.
func ExecStart(path string, args ...string) StartFunc {
	return func(_ context.Context) (Process, error) {
		cmd := exec.Command(path, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, eris.Wrap(err, "engine: stdin pipe")
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, eris.Wrap(err, "engine: stdout pipe")
		}
		if err := cmd.Start(); err != nil {
			return nil, eris.Wrapf(err, "engine: start %s", path)
		}
		return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}
