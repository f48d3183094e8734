package model

import "time"

// LedgerStatus is the processing state of a canonical game id.
type LedgerStatus string

const (
	LedgerUnseen   LedgerStatus = "unseen"
	LedgerInFlight LedgerStatus = "in_flight"
	LedgerAccepted LedgerStatus = "accepted"
	LedgerFailed   LedgerStatus = "permanently_failed"
)

// Terminal reports whether s is a durable end state.
func (s LedgerStatus) Terminal() bool {
	return s == LedgerAccepted || s == LedgerFailed
}

// CanTransition reports whether moving from s to next is legal.
// In-flight ids may be released back to unseen when a pool recovers.
func (s LedgerStatus) CanTransition(next LedgerStatus) bool {
	switch s {
	case LedgerUnseen:
		return next == LedgerInFlight
	case LedgerInFlight:
		return next == LedgerAccepted || next == LedgerFailed || next == LedgerUnseen
	}
	return false
}

// LedgerEntry is a persisted terminal ledger row. Entries are append-only.
type LedgerEntry struct {
	ID        GameID       `json:"id"`
	Status    LedgerStatus `json:"status"`
	Pool      string       `json:"pool,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	FirstSeen time.Time    `json:"first_seen"`
}
