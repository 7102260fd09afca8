// Package models defines the core data structures for the Easy Islanders job core.
package models

// JobStatus represents the canonical lifecycle state of a job.
//
// Statuses are stored lowercase. The transition rules between them live in the
// lifecycle package; models only defines the vocabulary.
type JobStatus string

const (
	// JobStatusCollecting is the initial state: required details are still being gathered.
	JobStatusCollecting JobStatus = "collecting"
	// JobStatusConfirming means details are complete and awaiting confirmation.
	JobStatusConfirming JobStatus = "confirming"
	// JobStatusDispatching is a legacy in-between state written by older controllers.
	JobStatusDispatching JobStatus = "dispatching"
	// JobStatusDispatched means the external notification has been handed to the provider.
	JobStatusDispatched JobStatus = "dispatched"
	// JobStatusProcessing is a legacy state written by older async workers.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusConfirmed means delivery of the dispatch was confirmed by the provider.
	JobStatusConfirmed JobStatus = "confirmed"
	// JobStatusCompleted is terminal: the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusCancelled is terminal: the job was cancelled.
	JobStatusCancelled JobStatus = "cancelled"
	// JobStatusFailed is terminal: the job failed permanently.
	JobStatusFailed JobStatus = "failed"
	// JobStatusTimeoutReview is a recoverable quasi-terminal state reached only
	// through the deadlock detector. From here a job can restart or be cancelled.
	JobStatusTimeoutReview JobStatus = "timeout-review"
)
