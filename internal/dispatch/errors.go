package dispatch

import "fmt"

// RetryableSendError indicates the send was not attempted (the reservation step
// itself failed, fail-closed) and the caller may retry with the same key and a
// new attempt id.
type RetryableSendError struct {
	Key string
	Err error
}

func (e *RetryableSendError) Error() string {
	return fmt.Sprintf("retryable dispatch failure for key %s: %v", e.Key, e.Err)
}

func (e *RetryableSendError) Unwrap() error { return e.Err }

// PermanentDispatchFailureError indicates the ledger entry is terminally failed:
// provider rejection recorded or attempt budget exhausted. Retrying with the
// same key will not send.
type PermanentDispatchFailureError struct {
	Key    string
	Reason string
}

func (e *PermanentDispatchFailureError) Error() string {
	return fmt.Sprintf("permanent dispatch failure for key %s: %s", e.Key, e.Reason)
}
