package client

import "errors"

var (
	ErrAlreadyStarted   = errors.New("controller already started")
	ErrNotConnected     = errors.New("controller is not connected")
	ErrClosed           = errors.New("controller is closed")
	ErrQueueFull        = errors.New("outbound queue is full")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
	ErrRejected         = errors.New("connection rejected by server")
	ErrMissingSession   = errors.New("session ID is required")
	ErrMissingServer    = errors.New("server URL is required")

	ErrNoCounselorAvailable = errors.New("no counselor available")
)
