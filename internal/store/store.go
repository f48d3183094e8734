package store

import (
	"context"

	"github.com/sells-group/gamebench/internal/model"
)

// DefaultPageSize bounds unpaged list queries.
const DefaultPageSize = 500

// AttemptFilter specifies criteria for listing prediction attempts. Results
// are ordered by position hash; After is the keyset cursor.
type AttemptFilter struct {
	Pool  string `json:"pool,omitempty"`
	After string `json:"after,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for the benchmark pipeline.
type Store interface {
	// Ledger (append-only, terminal states only)
	AppendLedgerEntry(ctx context.Context, entry model.LedgerEntry) error
	AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error)
	ListLedgerEntries(ctx context.Context, after string, limit int) ([]model.LedgerEntry, error)

	// Prediction attempts
	InsertAttempt(ctx context.Context, attempt *model.PredictionAttempt) (bool, error)
	HasAttempt(ctx context.Context, positionHash string) (bool, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.PredictionAttempt, error)

	// Batch runs
	CreateBatchRun(ctx context.Context, run *model.BatchRun) error
	CompleteBatchRun(ctx context.Context, run *model.BatchRun) error
	ListBatchRuns(ctx context.Context, pool string, limit int) ([]model.BatchRun, error)

	// Evolution state
	LoadEvolutionState(ctx context.Context) (*model.EvolutionState, error)
	SaveEvolutionState(ctx context.Context, state *model.EvolutionState) error
	RecordPromotion(ctx context.Context, snap *model.PromotionSnapshot) error
	ListPromotions(ctx context.Context, limit int) ([]model.PromotionSnapshot, error)

	// Summaries
	SaveSummary(ctx context.Context, summary *model.BenchmarkSummary) error
	ListSummaries(ctx context.Context, pool string, limit int) ([]model.BenchmarkSummary, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ListAllAttempts pages through every attempt matching pool until a short page.
func ListAllAttempts(ctx context.Context, s Store, pool string) ([]model.PredictionAttempt, error) {
	var out []model.PredictionAttempt
	after := ""
	for {
		page, err := s.ListAttempts(ctx, AttemptFilter{Pool: pool, After: after, Limit: DefaultPageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < DefaultPageSize {
			return out, nil
		}
		after = page[len(page)-1].PositionHash
	}
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}
