package session

import "errors"

// Session management error types
var (
	ErrMissingRegistry = errors.New("session manager requires a registry")
	ErrPersistFailed   = errors.New("failed to persist session")
)
