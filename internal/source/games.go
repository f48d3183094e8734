package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/resilience"
)

// maxLineBytes bounds one NDJSON game line.
const maxLineBytes = 1 << 20

// FetchResult is one batch of candidate games and the window it covered.
type FetchResult struct {
	Games     []model.GameRecord `json:"-"`
	Player    string             `json:"player"`
	Window    Window             `json:"window"`
	Lines     int                `json:"lines"`
	Malformed int                `json:"malformed"`
	Excluded  int                `json:"excluded"`
	Exhausted bool               `json:"exhausted"`
}

// GameSourceOptions configures a GameSource.
type GameSourceOptions struct {
	BaseURL         string
	Token           string
	PageSize        int
	FetchMultiplier int
	MaxPages        int
	Retry           resilience.RetryConfig
}

// GameSourceOptionsFromConfig maps the game source config section.
func GameSourceOptionsFromConfig(cfg config.GameSourceConfig) GameSourceOptions {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = retryFetch
	return GameSourceOptions{
		BaseURL:         cfg.BaseURL,
		Token:           cfg.Token,
		PageSize:        cfg.PageSize,
		FetchMultiplier: cfg.FetchMultiplier,
		MaxPages:        cfg.MaxPages,
		Retry:           retry,
	}
}

// GameSource pulls finished games from a lichess-compatible export API.
// Each (pool, player) pair has its own WindowTracker so repeated batches
// never request the same time range twice.
type GameSource struct {
	provider *Provider
	opts     GameSourceOptions

	mu       sync.Mutex
	trackers map[string]*WindowTracker
	cursor   map[string]int
	now      func() time.Time
}

// NewGameSource creates a GameSource that sends requests through provider.
func NewGameSource(provider *Provider, opts GameSourceOptions) *GameSource {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.FetchMultiplier <= 0 {
		opts.FetchMultiplier = 1
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 5
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &GameSource{
		provider: provider,
		opts:     opts,
		trackers: make(map[string]*WindowTracker),
		cursor:   make(map[string]int),
		now:      time.Now,
	}
}

// FetchBatch returns up to BatchSize fresh games for pool, skipping every id
// in exclude. It stops paging once BatchSize × FetchMultiplier lines have
// been read. Malformed lines are dropped and counted. Only the span up to the
// last game walked is committed, so games past a full batch stay in the
// uncommitted part of the window. The covered span is committed even when
// the returned slice is empty, so the next call moves on.
func (s *GameSource) FetchBatch(ctx context.Context, pool string, cfg config.PoolConfig, exclude map[model.GameID]struct{}) (FetchResult, error) {
	if len(cfg.Players) == 0 {
		return FetchResult{}, eris.Errorf("source: pool %s has no players", pool)
	}
	player := s.nextPlayer(pool, cfg.Players)
	tracker := s.tracker(pool, player, cfg)
	res := FetchResult{Player: player}

	w, ok := tracker.Next()
	if !ok {
		res.Exhausted = true
		return res, nil
	}
	forward := tracker.IsForward(w)
	limit := cfg.BatchSize
	if limit <= 0 {
		limit = 1
	}
	budget := limit * s.opts.FetchMultiplier
	log := zap.L().With(
		zap.String("component", "source"),
		zap.String("pool", pool),
		zap.String("player", player),
	)

	since, until := w.Start, w.End
	seen := make(map[model.GameID]struct{})
	var last time.Time
	full := false

	for page := 0; page < s.opts.MaxPages; page++ {
		games, stats, err := s.fetchPage(ctx, player, cfg.Speed, since, until, forward)
		if err != nil {
			if len(res.Games) > 0 {
				// Keep what earlier pages found; the rest of the window stays
				// uncommitted for the next call.
				log.Warn("source: page failed, returning partial batch", zap.Error(err))
				break
			}
			// Commit what earlier pages covered before surfacing the error.
			if !last.IsZero() {
				tracker.Commit(coveredSpan(w, forward, last, false))
			}
			return res, err
		}
		res.Lines += stats.lines
		res.Malformed += stats.malformed

		for _, g := range games {
			last = g.CreatedAt
			if _, dup := exclude[g.ID]; dup {
				res.Excluded++
				continue
			}
			if _, dup := seen[g.ID]; dup {
				continue
			}
			seen[g.ID] = struct{}{}
			res.Games = append(res.Games, g)
			if len(res.Games) >= limit {
				full = true
				break
			}
		}

		if full {
			break
		}
		if stats.lines < s.opts.PageSize || last.IsZero() {
			res.Exhausted = true
			break
		}
		if res.Lines >= budget {
			break
		}
		if forward {
			since = last.Add(time.Millisecond)
		} else {
			until = last.Add(-time.Millisecond)
		}
		if !since.Before(until) {
			res.Exhausted = true
			break
		}
	}

	res.Window = coveredSpan(w, forward, last, res.Exhausted)
	tracker.Commit(res.Window)

	log.Info("source: fetched batch",
		zap.Bool("forward", forward),
		zap.Time("window_start", res.Window.Start),
		zap.Time("window_end", res.Window.End),
		zap.Int("games", len(res.Games)),
		zap.Int("excluded", res.Excluded),
		zap.Int("malformed", res.Malformed),
	)
	return res, nil
}

// coveredSpan is the part of w the fetched pages actually walked.
func coveredSpan(w Window, forward bool, last time.Time, exhausted bool) Window {
	if exhausted || last.IsZero() {
		return w
	}
	if forward {
		return Window{Start: w.Start, End: last.Add(time.Millisecond)}
	}
	return Window{Start: last, End: w.End}
}

func (s *GameSource) nextPlayer(pool string, players []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.cursor[pool] % len(players)
	s.cursor[pool] = i + 1
	return players[i]
}

func (s *GameSource) tracker(pool, player string, cfg config.PoolConfig) *WindowTracker {
	key := pool + "/" + strings.ToLower(player)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[key]
	if !ok {
		width := time.Duration(cfg.WindowHours) * time.Hour
		lookback := time.Duration(cfg.LookbackDays) * 24 * time.Hour
		t = NewWindowTracker(width, 0, lookback)
		t.now = s.now
		s.trackers[key] = t
	}
	return t
}

type pageStats struct {
	lines     int
	malformed int
}

func (s *GameSource) fetchPage(ctx context.Context, player, speed string, since, until time.Time, forward bool) ([]model.GameRecord, pageStats, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	q.Set("until", strconv.FormatInt(until.UnixMilli(), 10))
	q.Set("max", strconv.Itoa(s.opts.PageSize))
	q.Set("moves", "true")
	q.Set("rated", "true")
	q.Set("finished", "true")
	if speed != "" {
		q.Set("perfType", speed)
	}
	if forward {
		q.Set("sort", "dateAsc")
	} else {
		q.Set("sort", "dateDesc")
	}
	endpoint := s.opts.BaseURL + "/api/games/user/" + url.PathEscape(player) + "?" + q.Encode()

	type page struct {
		games []model.GameRecord
		stats pageStats
	}
	p, err := resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) (page, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return page{}, eris.Wrap(err, "source: build games request")
		}
		req.Header.Set("Accept", "application/x-ndjson")
		if s.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.opts.Token)
		}
		resp, err := s.provider.Do(ctx, req)
		if err != nil {
			return page{}, err
		}
		defer resp.Body.Close() //nolint:errcheck

		games, stats, err := s.decode(resp.Body)
		return page{games: games, stats: stats}, err
	})
	if errors.Is(err, ErrNotFound) {
		zap.L().Warn("source: player not found", zap.String("player", player))
		return nil, pageStats{}, nil
	}
	if err != nil {
		return nil, pageStats{}, eris.Wrapf(err, "source: fetch games for %s", player)
	}
	return p.games, p.stats, nil
}

func (s *GameSource) decode(r io.Reader) ([]model.GameRecord, pageStats, error) {
	var (
		games []model.GameRecord
		stats pageStats
	)
	fetched := s.now().UTC()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.lines++
		rec, err := parseGameLine([]byte(line), s.provider.Name())
		if err != nil {
			stats.malformed++
			zap.L().Debug("source: skipping malformed game", zap.Error(err))
			continue
		}
		rec.FetchedAt = fetched
		games = append(games, rec)
	}
	if err := scanner.Err(); err != nil {
		return games, stats, resilience.NewTransientError(eris.Wrap(err, "source: read games stream"), 0)
	}
	return games, stats, nil
}

// exportedGame is one NDJSON line of the game export API.
type exportedGame struct {
	ID        string `json:"id"`
	Rated     bool   `json:"rated"`
	Speed     string `json:"speed"`
	CreatedAt int64  `json:"createdAt"`
	Status    string `json:"status"`
	Winner    string `json:"winner"`
	Moves     string `json:"moves"`
	Players   struct {
		White exportedPlayer `json:"white"`
		Black exportedPlayer `json:"black"`
	} `json:"players"`
}

type exportedPlayer struct {
	Rating int `json:"rating"`
}

// drawStatuses end a game without a winner.
var drawStatuses = map[string]bool{
	"draw":      true,
	"stalemate": true,
	"outoftime": true,
	"timeout":   true,
}

func parseGameLine(line []byte, source string) (model.GameRecord, error) {
	var g exportedGame
	if err := json.Unmarshal(line, &g); err != nil {
		return model.GameRecord{}, &resilience.MalformedRecordError{Reason: "invalid json: " + err.Error()}
	}
	id, err := model.ParseGameID(g.ID)
	if err != nil {
		return model.GameRecord{}, &resilience.MalformedRecordError{Reason: err.Error()}
	}
	moves := strings.Fields(g.Moves)
	if len(moves) == 0 {
		return model.GameRecord{}, &resilience.MalformedRecordError{Reason: "game " + id.String() + " has no moves"}
	}

	var result model.Outcome
	switch {
	case g.Winner != "":
		o, ok := model.OutcomeFromResult(g.Winner)
		if !ok {
			return model.GameRecord{}, &resilience.MalformedRecordError{Reason: "unknown winner " + g.Winner}
		}
		result = o
	case drawStatuses[g.Status]:
		result = model.OutcomeEven
	default:
		return model.GameRecord{}, &resilience.MalformedRecordError{Reason: "unfinished game status " + g.Status}
	}

	return model.GameRecord{
		ID:          id,
		Source:      source,
		Moves:       moves,
		Result:      result,
		WhiteRating: g.Players.White.Rating,
		BlackRating: g.Players.Black.Rating,
		Speed:       g.Speed,
		CreatedAt:   time.UnixMilli(g.CreatedAt).UTC(),
	}, nil
}

// retryFetch retries transient failures but leaves rate limits to the
// caller, which already waits out the shared cooldown on the next request.
func retryFetch(err error) bool {
	var rl *resilience.RateLimitedError
	if errors.As(err, &rl) {
		return false
	}
	return resilience.IsTransient(err)
}
