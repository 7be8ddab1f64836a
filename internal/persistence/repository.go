package persistence

import (
	"encoding/json"
	"time"
)

// RunState is the small cross-restart state the bot keeps: the
// duplicate-suppression window and the last summary for operators. The
// core is otherwise stateless; open orders are re-discovered from the
// exchange on startup.
type RunState struct {
	RunID           string          `json:"run_id"`
	CompletedCloids []string        `json:"completed_cloids"`
	SavedAt         time.Time       `json:"saved_at"`
	LastSummary     json.RawMessage `json:"last_summary,omitempty"`
}

// Repository abstracts run-state storage so the engine does not care
// about the backing store.
type Repository interface {
	// SaveRunState persists the state. Completed cloids are added to those
	// already stored, not substituted for them.
	SaveRunState(state *RunState) error

	// LoadRunState returns (nil, nil) when no state has been saved yet.
	LoadRunState() (*RunState, error)

	Close() error
}
