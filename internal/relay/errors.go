package relay

import "errors"

var (
	ErrMissingRegistry = errors.New("relay requires a registry")
	ErrMissingSessions = errors.New("relay requires a session checker")
)
