package requests

import (
	"time"

	"github.com/fetcharr/fetcharr/internal/indexer"
)

// State is the position of a request in its workflow.
type State string

const (
	StateSearching         State = "searching"
	StateAwaitingSelection State = "awaiting_selection"
	StateSubmitting        State = "submitting"
	StateDownloading       State = "downloading"
	StateExtracting        State = "extracting"
	StateUpdatingLibrary   State = "updating_library"
	StateDelivered         State = "delivered"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// Terminal reports whether the state ends the workflow.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Request is a single movie request moving through the workflow.
type Request struct {
	ID          string              `json:"id"`
	UserID      string              `json:"userId"`
	Title       string              `json:"title"`
	State       State               `json:"state"`
	Candidates  []indexer.Candidate `json:"candidates,omitempty"`
	Selected    *indexer.Candidate  `json:"selected,omitempty"`
	Progress    float64             `json:"progress"`
	Reason      string              `json:"reason,omitempty"`
	File        string              `json:"file,omitempty"`
	RequestedAt time.Time           `json:"requestedAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}
