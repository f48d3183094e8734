// Package ledger tracks which games have been seen so no game is benchmarked
// twice, across batches, pools and restarts.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/model"
)

// hydratePageSize is the keyset page size used when loading persisted entries.
const hydratePageSize = 1000

// Store is the persistence subset the ledger depends on.
type Store interface {
	AppendLedgerEntry(ctx context.Context, entry model.LedgerEntry) error
	AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error)
	ListLedgerEntries(ctx context.Context, after string, limit int) ([]model.LedgerEntry, error)
}

// ErrInvalidTransition is returned when a state change would violate the
// unseen -> in-flight -> {accepted | permanently failed} lifecycle.
var ErrInvalidTransition = eris.New("ledger: invalid transition")

// Counts summarises ledger state.
type Counts struct {
	InFlight int `json:"in_flight"`
	Accepted int `json:"accepted"`
	Failed   int `json:"failed"`
}

// Ledger is the shared dedup ledger. Terminal transitions are written to the
// store before the in-memory state changes, so a crash never leaves an id
// marked accepted in memory but absent on disk.
type Ledger struct {
	store Store

	mu      sync.RWMutex
	entries map[model.GameID]model.LedgerStatus
	owner   map[model.GameID]string // in-flight id -> pool
	now     func() time.Time
}

// New creates an empty ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{
		store:   store,
		entries: make(map[model.GameID]model.LedgerStatus),
		owner:   make(map[model.GameID]string),
		now:     time.Now,
	}
}

// Hydrate loads every persisted terminal entry, paging with a keyset cursor
// until a short page is returned.
func (l *Ledger) Hydrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "ledger"))
	after := ""
	total := 0
	for {
		page, err := l.store.ListLedgerEntries(ctx, after, hydratePageSize)
		if err != nil {
			return eris.Wrap(err, "ledger: hydrate")
		}
		l.mu.Lock()
		for _, e := range page {
			if e.Status.Terminal() {
				l.entries[e.ID] = e.Status
			}
		}
		l.mu.Unlock()
		total += len(page)
		if len(page) < hydratePageSize {
			break
		}
		after = page[len(page)-1].ID.String()
	}
	log.Info("ledger hydrated", zap.Int("entries", total))
	return nil
}

// Status returns the current state of id.
func (l *Ledger) Status(id model.GameID) model.LedgerStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.entries[id]; ok {
		return s
	}
	return model.LedgerUnseen
}

// IsKnown reports whether id is in flight or already terminal, i.e. whether a
// pool must skip it.
func (l *Ledger) IsKnown(id model.GameID) bool {
	return l.Status(id) != model.LedgerUnseen
}

// IsFailed reports whether id was permanently failed.
func (l *Ledger) IsFailed(id model.GameID) bool {
	return l.Status(id) == model.LedgerFailed
}

// MarkInFlight claims id for pool. It returns false when the id is already
// in flight or terminal, which callers treat as a duplicate skip.
func (l *Ledger) MarkInFlight(id model.GameID, pool string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; ok {
		return false
	}
	l.entries[id] = model.LedgerInFlight
	l.owner[id] = pool
	return true
}

// Release returns an in-flight id to unseen so it can be fetched again.
func (l *Ledger) Release(id model.GameID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries[id] == model.LedgerInFlight {
		delete(l.entries, id)
		delete(l.owner, id)
	}
}

// ReleasePool releases every id pool currently has in flight and returns how
// many were released.
func (l *Ledger) ReleasePool(pool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, p := range l.owner {
		if p != pool {
			continue
		}
		if l.entries[id] == model.LedgerInFlight {
			delete(l.entries, id)
			n++
		}
		delete(l.owner, id)
	}
	return n
}

// MarkAccepted records a successfully processed id.
func (l *Ledger) MarkAccepted(ctx context.Context, id model.GameID) error {
	return l.finish(ctx, id, model.LedgerAccepted, "")
}

// MarkFailed records an id that must never be fetched again.
func (l *Ledger) MarkFailed(ctx context.Context, id model.GameID, reason string) error {
	return l.finish(ctx, id, model.LedgerFailed, reason)
}

// MarkFailedBatch permanently fails several ids with one store write. Ids
// that are already terminal are skipped.
func (l *Ledger) MarkFailedBatch(ctx context.Context, pool string, failures map[model.GameID]string) error {
	if len(failures) == 0 {
		return nil
	}
	now := l.now().UTC()
	var entries []model.LedgerEntry
	l.mu.RLock()
	for id, reason := range failures {
		if l.entries[id].Terminal() {
			continue
		}
		entries = append(entries, model.LedgerEntry{ID: id, Status: model.LedgerFailed, Pool: pool, Reason: reason, FirstSeen: now})
	}
	l.mu.RUnlock()
	if len(entries) == 0 {
		return nil
	}

	if _, err := l.store.AppendLedgerEntries(ctx, entries); err != nil {
		return eris.Wrap(err, "ledger: mark failed batch")
	}

	l.mu.Lock()
	for _, e := range entries {
		if !l.entries[e.ID].Terminal() {
			l.entries[e.ID] = model.LedgerFailed
			delete(l.owner, e.ID)
		}
	}
	l.mu.Unlock()
	return nil
}

func (l *Ledger) finish(ctx context.Context, id model.GameID, status model.LedgerStatus, reason string) error {
	l.mu.RLock()
	cur, ok := l.entries[id]
	pool := l.owner[id]
	l.mu.RUnlock()
	if !ok {
		cur = model.LedgerUnseen
	}
	if cur == status {
		return nil
	}
	if !cur.CanTransition(status) {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s -> %s", id, cur, status)
	}

	entry := model.LedgerEntry{ID: id, Status: status, Pool: pool, Reason: reason, FirstSeen: l.now().UTC()}
	if err := l.store.AppendLedgerEntry(ctx, entry); err != nil {
		return eris.Wrapf(err, "ledger: persist %s", id)
	}

	l.mu.Lock()
	l.entries[id] = status
	delete(l.owner, id)
	l.mu.Unlock()
	return nil
}

// Exclusions returns the ids a fetch must exclude: exactly the accepted and
// permanently failed ones. In-flight ids are not included.
func (l *Ledger) Exclusions() map[model.GameID]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[model.GameID]struct{}, len(l.entries))
	for id, s := range l.entries {
		if s.Terminal() {
			out[id] = struct{}{}
		}
	}
	return out
}

// Counts returns the number of ids in each non-unseen state.
func (l *Ledger) Counts() Counts {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var c Counts
	for _, s := range l.entries {
		switch s {
		case model.LedgerInFlight:
			c.InFlight++
		case model.LedgerAccepted:
			c.Accepted++
		case model.LedgerFailed:
			c.Failed++
		}
	}
	return c
}
