package domain

import "errors"

// Error taxonomy shared by the server and the client.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNotFoundOrForbidden covers both a missing conversation and one owned
	// by someone else; callers cannot tell the two apart.
	ErrNotFoundOrForbidden = errors.New("conversation not found or access denied")
	ErrValidationFailed    = errors.New("validation failed")
	ErrUpstreamUnavailable = errors.New("answering service unavailable")
	ErrPersistenceFailed   = errors.New("persistence failed")
	ErrTurnInProgress      = errors.New("a turn is already in progress for this conversation")
)
