package types

import "errors"

// Relay error taxonomy. Components wrap these with fmt.Errorf("...: %w")
// and callers match with errors.Is.
var (
	ErrConnection       = errors.New("connection failed")
	ErrSend             = errors.New("send failed")
	ErrMalformedMessage = errors.New("malformed message")
	ErrMessageTooLarge  = errors.New("message content exceeds 4096 bytes")
	ErrSessionNotFound  = errors.New("session not found")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Validation errors for identifiers and session inputs.
var (
	ErrInvalidUserID   = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidRole     = errors.New("role must be USER or COUNSELOR")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrInvalidFeedback = errors.New("feedback exceeds 2000 bytes")
)

// Wire error codes.
const (
	CodeConnection       = "CONNECTION_ERROR"
	CodeSend             = "SEND_ERROR"
	CodeMalformedMessage = "MALFORMED_MESSAGE"
	CodeMessageTooLarge  = "MESSAGE_TOO_LARGE"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL"
)

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMessageTooLarge):
		return CodeMessageTooLarge
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformedMessage
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrSend):
		return CodeSend
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}
