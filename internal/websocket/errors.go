package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outbound queue full")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrEmptySession  = errors.New("session ID cannot be empty")
)

// Handler-related errors
var (
	ErrMissingSessionID = errors.New("missing session_id")
)
