package events

import "fmt"

// LocalPreconditionError means the local verify stage rejected the event.
// It never leaves the instance; no network call has been made.
type LocalPreconditionError struct {
	Kind   string
	Reason string
}

func (e *LocalPreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s: %s", e.Kind, e.Reason)
}

// RemoteUnreachableError means a target instance could not be reached
// within the timeout. Transient; retryable with backoff.
type RemoteUnreachableError struct {
	Instance string
	Err      error
}

func (e *RemoteUnreachableError) Error() string {
	return fmt.Sprintf("instance %s unreachable: %v", e.Instance, e.Err)
}

func (e *RemoteUnreachableError) Unwrap() error {
	return e.Err
}

// RemoteRejectedError means the remote verify stage failed. Final for that
// instance; not retryable.
type RemoteRejectedError struct {
	Instance string
	Detail   string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("instance %s rejected event: %s", e.Instance, e.Detail)
}
