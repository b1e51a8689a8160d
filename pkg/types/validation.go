package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits enforced on client input.
const (
	MaxContentBytes  = 4096
	MaxFeedbackBytes = 2000
	MaxUserIDLength  = 64
	MinRating        = 1
	MaxRating        = 5
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > MaxUserIDLength {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole reports whether role is USER or COUNSELOR.
func IsValidRole(role string) bool {
	return role == RoleUser || role == RoleCounselor
}

// NormalizeRole upper-cases role so "counselor" and "COUNSELOR" compare equal.
func NormalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// ValidateRating accepts nil (no rating) or 1..5.
func ValidateRating(rating *int) error {
	if rating == nil {
		return nil
	}
	if *rating < MinRating || *rating > MaxRating {
		return ErrInvalidRating
	}
	return nil
}

// ValidateFeedback bounds free-text feedback by byte length.
func ValidateFeedback(feedback string) error {
	if len(feedback) > MaxFeedbackBytes {
		return ErrInvalidFeedback
	}
	return nil
}

// ParseInboundFrame decodes a raw client frame, applies the v/type
// defaults and checks the fields each frame type requires.
//
// TECHNICAL DISCOVERY: content length is measured in UTF-8 bytes of the
// decoded string, not the escaped JSON form.
func ParseInboundFrame(raw []byte) (*InboundFrame, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: frame is not valid UTF-8", ErrMalformedMessage)
	}

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if frame.Version == 0 {
		frame.Version = ProtocolVersion
	}
	if frame.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedMessage, frame.Version)
	}
	if frame.Type == "" {
		frame.Type = FrameMessage
	}

	switch frame.Type {
	case FrameMessage:
		if frame.Content == nil {
			return nil, fmt.Errorf("%w: content is required", ErrMalformedMessage)
		}
		if len(*frame.Content) > MaxContentBytes {
			return nil, ErrMessageTooLarge
		}
		if len(frame.Metadata) > 0 && !isJSONObject(frame.Metadata) {
			return nil, fmt.Errorf("%w: metadata must be an object", ErrMalformedMessage)
		}
	case FrameTyping:
	case FrameDelivered, FrameSeen:
		if frame.MessageID == "" {
			return nil, fmt.Errorf("%w: messageId is required", ErrMalformedMessage)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, frame.Type)
	}

	return &frame, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return true
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil
}
