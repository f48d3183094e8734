package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/resilience"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func gameLine(id string, created time.Time, winner, status string) string {
	return fmt.Sprintf(`{"id":%q,"rated":true,"speed":"blitz","createdAt":%d,"status":%q,"winner":%q,"moves":"e4 e5 Nf3 Nc6","players":{"white":{"rating":1800},"black":{"rating":1750}}}`,
		id, created.UnixMilli(), status, winner)
}

func newTestGameSource(url string, pageSize, multiplier int) *GameSource {
	s := NewGameSource(newTestProvider("lichess", 0), GameSourceOptions{
		BaseURL:         url,
		Token:           "secret",
		PageSize:        pageSize,
		FetchMultiplier: multiplier,
		MaxPages:        5,
		Retry:           resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, ShouldRetry: retryFetch},
	})
	s.now = func() time.Time { return testNow }
	return s
}

func testPool(players ...string) config.PoolConfig {
	return config.PoolConfig{BatchSize: 5, Depth: 10, Players: players, Speed: "blitz", WindowHours: 6, LookbackDays: 1}
}

type recordedRequest struct {
	path  string
	query map[string]string
	auth  string
}

// pagedServer replays pages in order and records every request.
func pagedServer(t *testing.T, pages ...[]string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		reqs = append(reqs, recordedRequest{path: r.URL.Path, query: q, auth: r.Header.Get("Authorization")})
		n := len(reqs)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/x-ndjson")
		if n <= len(pages) {
			fmt.Fprint(w, strings.Join(pages[n-1], "\n")+"\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestFetchBatch_FiltersAndCounts(t *testing.T) {
	srv, requests := pagedServer(t, []string{
		gameLine("aaaaaaaa", testNow.Add(-5*time.Hour), "white", "mate"),
		gameLine("bbbbbbbb", testNow.Add(-4*time.Hour), "", "stalemate"),
		gameLine("cccccccc", testNow.Add(-3*time.Hour), "black", "resign"),
		gameLine("dddddddd", testNow.Add(-2*time.Hour), "", "aborted"),
		`{"id": not json`,
	})

	s := newTestGameSource(srv.URL, 100, 4)
	exclude := map[model.GameID]struct{}{model.MustGameID("cccccccc"): {}}

	res, err := s.FetchBatch(context.Background(), "fast", testPool("alice"), exclude)
	require.NoError(t, err)

	require.Len(t, res.Games, 2)
	assert.Equal(t, "aaaaaaaa", res.Games[0].ID.String())
	assert.Equal(t, model.OutcomeFavorA, res.Games[0].Result)
	assert.Equal(t, []string{"e4", "e5", "Nf3", "Nc6"}, res.Games[0].Moves)
	assert.Equal(t, 1800, res.Games[0].WhiteRating)
	assert.Equal(t, "lichess", res.Games[0].Source)
	assert.Equal(t, model.OutcomeEven, res.Games[1].Result)
	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, 2, res.Malformed)
	assert.Equal(t, 5, res.Lines)
	assert.True(t, res.Exhausted)
	assert.Equal(t, "alice", res.Player)
	assert.Equal(t, Window{Start: testNow.Add(-6 * time.Hour), End: testNow}, res.Window)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/games/user/alice", reqs[0].path)
	assert.Equal(t, "Bearer secret", reqs[0].auth)
	assert.Equal(t, "dateAsc", reqs[0].query["sort"])
	assert.Equal(t, "blitz", reqs[0].query["perfType"])
	assert.Equal(t, "true", reqs[0].query["moves"])
	assert.Equal(t, "100", reqs[0].query["max"])
	assert.Equal(t, strconv.FormatInt(testNow.Add(-6*time.Hour).UnixMilli(), 10), reqs[0].query["since"])
}

func TestFetchBatch_BackwardPagination(t *testing.T) {
	srv, requests := pagedServer(t,
		[]string{gameLine("aaaaaaaa", testNow.Add(-time.Hour), "white", "mate")},
		[]string{
			gameLine("bbbbbbbb", testNow.Add(-7*time.Hour), "white", "mate"),
			gameLine("cccccccc", testNow.Add(-8*time.Hour), "black", "resign"),
		},
		[]string{gameLine("dddddddd", testNow.Add(-9*time.Hour), "", "draw")},
	)

	s := newTestGameSource(srv.URL, 2, 4)
	pool := testPool("alice")

	// First batch covers the newest window; the page is short.
	first, err := s.FetchBatch(context.Background(), "fast", pool, nil)
	require.NoError(t, err)
	require.Len(t, first.Games, 1)

	second, err := s.FetchBatch(context.Background(), "fast", pool, nil)
	require.NoError(t, err)
	require.Len(t, second.Games, 3)
	assert.Equal(t, "dddddddd", second.Games[2].ID.String())
	assert.True(t, second.Exhausted)
	assert.Equal(t, Window{Start: testNow.Add(-12 * time.Hour), End: testNow.Add(-6 * time.Hour)}, second.Window)

	reqs := requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "dateDesc", reqs[1].query["sort"])
	assert.Equal(t, strconv.FormatInt(testNow.Add(-6*time.Hour).UnixMilli(), 10), reqs[1].query["until"])
	assert.Equal(t, strconv.FormatInt(testNow.Add(-8*time.Hour-time.Millisecond).UnixMilli(), 10), reqs[2].query["until"])
}

func TestFetchBatch_StopsAtBatchSize(t *testing.T) {
	srv, requests := pagedServer(t, []string{
		gameLine("aaaaaaaa", testNow.Add(-5*time.Hour), "white", "mate"),
		gameLine("bbbbbbbb", testNow.Add(-4*time.Hour), "black", "mate"),
	})

	s := newTestGameSource(srv.URL, 2, 2)
	pool := testPool("alice")
	pool.BatchSize = 1

	res, err := s.FetchBatch(context.Background(), "fast", pool, nil)
	require.NoError(t, err)
	require.Len(t, res.Games, 1)
	assert.Equal(t, "aaaaaaaa", res.Games[0].ID.String())
	assert.False(t, res.Exhausted)
	assert.Len(t, requests(), 1)

	// bbbbbbbb lies past the kept game, so it stays uncommitted.
	assert.Equal(t, Window{Start: testNow.Add(-6 * time.Hour), End: testNow.Add(-5*time.Hour + time.Millisecond)}, res.Window)
}

// windowServer serves games filtered by the since/until/sort/max query the
// way the export API does.
func windowServer(t *testing.T, lines map[string]time.Time) *httptest.Server {
	t.Helper()
	type entry struct {
		id string
		at time.Time
	}
	all := make([]entry, 0, len(lines))
	for id, at := range lines {
		all = append(all, entry{id, at})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
		until, _ := strconv.ParseInt(q.Get("until"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("max"))

		var picked []entry
		for _, e := range all {
			ms := e.at.UnixMilli()
			if ms >= since && ms <= until {
				picked = append(picked, e)
			}
		}
		sort.Slice(picked, func(i, j int) bool {
			if q.Get("sort") == "dateDesc" {
				return picked[i].at.After(picked[j].at)
			}
			return picked[i].at.Before(picked[j].at)
		})
		if limit > 0 && len(picked) > limit {
			picked = picked[:limit]
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, e := range picked {
			fmt.Fprintln(w, gameLine(e.id, e.at, "white", "mate"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchBatch_CapsFreshGamesAndKeepsRest(t *testing.T) {
	lines := make(map[string]time.Time)
	base := testNow.Add(-5 * time.Hour)
	for i := 0; i < 50; i++ {
		lines[fmt.Sprintf("g%07d", i)] = base.Add(time.Duration(i) * time.Minute)
	}
	srv := windowServer(t, lines)

	s := newTestGameSource(srv.URL, 20, 8)
	pool := testPool("alice")

	seen := make(map[string]int)
	for batch := 0; batch < 20; batch++ {
		res, err := s.FetchBatch(context.Background(), "fast", pool, nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Games), pool.BatchSize)
		for _, g := range res.Games {
			seen[g.ID.String()]++
		}
		if batch == 0 {
			require.Len(t, res.Games, 5)
			assert.Equal(t, "g0000004", res.Games[4].ID.String())
			assert.Equal(t, base.Add(4*time.Minute+time.Millisecond), res.Window.End)
		}
	}

	// Every game is handed out exactly once across batches.
	require.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestFetchBatch_LaterPageErrorKeepsEarlierGames(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, gameLine("aaaaaaaa", testNow.Add(-5*time.Hour), "white", "mate"))
		fmt.Fprintln(w, gameLine("bbbbbbbb", testNow.Add(-4*time.Hour), "black", "mate"))
	}))
	defer srv.Close()

	s := newTestGameSource(srv.URL, 2, 4)
	res, err := s.FetchBatch(context.Background(), "fast", testPool("alice"), nil)
	require.NoError(t, err)
	require.Len(t, res.Games, 2)
	assert.False(t, res.Exhausted)
	assert.Equal(t, testNow.Add(-4*time.Hour+time.Millisecond), res.Window.End)
}

func TestFetchBatch_RotatesPlayers(t *testing.T) {
	srv, requests := pagedServer(t)
	s := newTestGameSource(srv.URL, 10, 1)
	pool := testPool("alice", "bob")

	for i := 0; i < 3; i++ {
		_, err := s.FetchBatch(context.Background(), "fast", pool, nil)
		require.NoError(t, err)
	}

	reqs := requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "/api/games/user/alice", reqs[0].path)
	assert.Equal(t, "/api/games/user/bob", reqs[1].path)
	assert.Equal(t, "/api/games/user/alice", reqs[2].path)
	// alice's second window walks backwards; bob's first is independent.
	assert.Equal(t, "dateAsc", reqs[1].query["sort"])
	assert.Equal(t, "dateDesc", reqs[2].query["sort"])
}

func TestFetchBatch_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintln(w, gameLine("aaaaaaaa", testNow.Add(-time.Hour), "white", "mate"))
	}))
	defer srv.Close()

	s := newTestGameSource(srv.URL, 10, 1)
	res, err := s.FetchBatch(context.Background(), "fast", testPool("alice"), nil)
	require.NoError(t, err)
	assert.Len(t, res.Games, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchBatch_RateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newTestGameSource(srv.URL, 10, 1)
	_, err := s.FetchBatch(context.Background(), "fast", testPool("alice"), nil)

	var rl *resilience.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchBatch_NoPlayers(t *testing.T) {
	s := newTestGameSource("http://unused", 10, 1)
	_, err := s.FetchBatch(context.Background(), "fast", config.PoolConfig{BatchSize: 1}, nil)
	assert.Error(t, err)
}

func TestParseGameLine(t *testing.T) {
	rec, err := parseGameLine([]byte(gameLine("lichess:abcdEFGH", testNow, "black", "resign")), "lichess")
	require.NoError(t, err)
	assert.Equal(t, "abcdEFGH", rec.ID.String())
	assert.Equal(t, model.OutcomeFavorB, rec.Result)
	assert.Equal(t, testNow, rec.CreatedAt)

	_, err = parseGameLine([]byte(`{"id":"abcdEFGH","status":"mate","winner":"white","moves":""}`), "lichess")
	assert.True(t, resilience.IsMalformed(err))

	_, err = parseGameLine([]byte(`{"id":"bad","status":"draw","moves":"e4"}`), "lichess")
	assert.True(t, resilience.IsMalformed(err))

	_, err = parseGameLine([]byte(`{"id":"abcdEFGH","status":"started","moves":"e4"}`), "lichess")
	assert.True(t, resilience.IsMalformed(err))
}
