// Package lifecycle implements the job status state machine and the CAS
// transition guard that is the only sanctioned write path for job status.
package lifecycle

import (
	"log/slog"
	"strings"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// transitions is the frozen transition table. It is data, not computed: every
// legal edge is listed explicitly, and both the CAS guard and the deadlock
// detector consult it. Terminal statuses have no entry.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusCollecting:    {models.JobStatusConfirming, models.JobStatusCancelled, models.JobStatusTimeoutReview},
	models.JobStatusConfirming:    {models.JobStatusDispatched, models.JobStatusCancelled, models.JobStatusTimeoutReview},
	models.JobStatusDispatched:    {models.JobStatusConfirmed, models.JobStatusCancelled, models.JobStatusTimeoutReview},
	models.JobStatusConfirmed:     {models.JobStatusCompleted, models.JobStatusCancelled},
	models.JobStatusTimeoutReview: {models.JobStatusCollecting, models.JobStatusCancelled},

	// Legacy in-between statuses written by older controllers. They have no
	// forward edges; only timeout recovery or cancellation can move them.
	models.JobStatusDispatching: {models.JobStatusCancelled, models.JobStatusTimeoutReview},
	models.JobStatusProcessing:  {models.JobStatusCancelled, models.JobStatusTimeoutReview},
}

// knownStatuses is the full canonical vocabulary, including terminal statuses.
var knownStatuses = map[models.JobStatus]bool{
	models.JobStatusCollecting:    true,
	models.JobStatusConfirming:    true,
	models.JobStatusDispatching:   true,
	models.JobStatusDispatched:    true,
	models.JobStatusProcessing:    true,
	models.JobStatusConfirmed:     true,
	models.JobStatusCompleted:     true,
	models.JobStatusCancelled:     true,
	models.JobStatusFailed:        true,
	models.JobStatusTimeoutReview: true,
}

// Canonicalize lowercases and trims a raw status string and checks it against the
// known vocabulary. Returns an UnknownStatusError for anything unrecognized.
func Canonicalize(raw string) (models.JobStatus, error) {
	canonical := models.JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !knownStatuses[canonical] {
		return "", &UnknownStatusError{Raw: raw}
	}
	return canonical, nil
}

// IsTerminal reports whether a status has no outgoing edges.
func IsTerminal(status models.JobStatus) bool {
	switch status {
	case models.JobStatusCompleted, models.JobStatusCancelled, models.JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsValidTransition reports whether the edge from -> to is in the transition table.
func IsValidTransition(from, to models.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks the edge from -> to against the transition table and
// returns an InvalidTransitionError if it is not listed. Every evaluation is
// logged with both endpoints for audit.
func ValidateTransition(from, to models.JobStatus) error {
	valid := IsValidTransition(from, to)
	slog.Debug("lifecycle.ValidateTransition", "from", from, "to", to, "valid", valid)
	if !valid {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// NonTerminalStatuses returns the statuses the deadlock detector scans for
// stuck jobs, in a stable order.
func NonTerminalStatuses() []models.JobStatus {
	return []models.JobStatus{
		models.JobStatusCollecting,
		models.JobStatusConfirming,
		models.JobStatusDispatching,
		models.JobStatusDispatched,
		models.JobStatusProcessing,
	}
}
