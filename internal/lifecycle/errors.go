package lifecycle

import "github.com/templeobijnr/easy-islanders-sub001/internal/models"

// UnknownStatusError indicates a raw status string outside the canonical vocabulary.
type UnknownStatusError struct {
	Raw string
}

func (e *UnknownStatusError) Error() string {
	return "unknown job status: " + e.Raw
}

// InvalidTransitionError indicates an attempted edge that is not in the frozen
// transition table. This is a programming or business-logic bug, not a race.
type InvalidTransitionError struct {
	From models.JobStatus
	To   models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return "invalid transition from " + string(e.From) + " to " + string(e.To)
}

// CASConflictError indicates the job's current status did not match the expected
// status: a concurrent transition already happened. Callers must re-read state
// before deciding whether to retry; a blind retry would mask the lost race.
type CASConflictError struct {
	JobID    string
	Expected models.JobStatus
	Actual   models.JobStatus
}

func (e *CASConflictError) Error() string {
	return "cas conflict on job " + e.JobID + ": expected " + string(e.Expected) + ", actual " + string(e.Actual)
}
