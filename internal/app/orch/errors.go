package orch

import "errors"

var (
	// ErrCallInProgress is returned when a join would replace the current
	// call and the user did not confirm hanging it up.
	ErrCallInProgress = errors.New("another call is in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrMutedByAdmin   = errors.New("muted by a call admin")
	// ErrSelfUnknown is returned by requests about the local participant
	// when no self user id is configured.
	ErrSelfUnknown = errors.New("self user id not configured")
	// ErrRenegotiation wraps failures of a renegotiation pass. They are
	// logged only; the next roster change retries with fresh data.
	ErrRenegotiation = errors.New("renegotiation failed")

	// errStaleSession marks work whose session or transport was superseded
	// while it was suspended. It never leaves the package.
	errStaleSession = errors.New("stale session")
)
