package types

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the only wire schema version the relay speaks.
const ProtocolVersion = 1

// Participant roles. A session normally has one of each, but the model
// does not enforce it.
const (
	RoleUser      = "USER"
	RoleCounselor = "COUNSELOR"
)

// Session statuses. CREATED is never persisted; a freshly allocated
// session is stored as ACTIVE.
const (
	SessionStatusCreated = "CREATED"
	SessionStatusActive  = "ACTIVE"
	SessionStatusEnded   = "ENDED"
)

// Reasons recorded when a session ends.
const (
	EndReasonEnded = "ended"
	EndReasonIdle  = "idle"

	// EndReasonUnmatched ends a session created for matching when no
	// counselor could be told about it.
	EndReasonUnmatched = "unmatched"
)

// Frame types sent by clients.
const (
	FrameMessage   = "message"
	FrameTyping    = "typing"
	FrameDelivered = "delivered"
	FrameSeen      = "seen"
)

// Frame types sent by the relay. FrameMessage and FrameTyping are shared.
const (
	FrameConnected       = "connected"
	FrameHistoryComplete = "history_complete"
	FrameSessionClosed   = "session_closed"
	FrameError           = "error"
	FrameSessionStarted  = "session_started"
)

// Session is one counseling conversation between a user and a counselor.
// ID and CreatedAt never change after creation; Status only moves from
// ACTIVE to ENDED.
type Session struct {
	ID           string     `json:"id" db:"id"`
	Status       string     `json:"status" db:"status"`
	CreatedBy    string     `json:"created_by" db:"created_by"`
	Participants []string   `json:"participants" db:"participants"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	EndReason    string     `json:"end_reason,omitempty" db:"end_reason"`
	Rating       *int       `json:"rating,omitempty" db:"rating"`
	Feedback     string     `json:"feedback,omitempty" db:"feedback"`
}

// IsActive reports whether the session still accepts traffic.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive || s.Status == SessionStatusCreated
}

// HasParticipant reports whether userID has ever joined the session.
func (s *Session) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to callers outside a lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Rating != nil {
		r := *s.Rating
		c.Rating = &r
	}
	return &c
}

// Message is one relayed chat message as delivered to peers.
type Message struct {
	Version     int             `json:"v"`
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	SenderID    string          `json:"senderId"`
	SenderRole  string          `json:"senderRole"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	DeliveredAt *time.Time      `json:"-"`
	SeenAt      *time.Time      `json:"-"`
}

// InboundFrame is the client to relay envelope. Version and Type are
// optional on the wire and default to 1 and "message".
type InboundFrame struct {
	Version   int             `json:"v,omitempty"`
	Type      string          `json:"type,omitempty"`
	Content   *string         `json:"content,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Typing    bool            `json:"typing,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// TypingFrame tells peers that the sender started or stopped typing.
type TypingFrame struct {
	Version    int    `json:"v"`
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	SenderID   string `json:"senderId"`
	SenderRole string `json:"senderRole"`
	Typing     bool   `json:"typing"`
}

// ConnectedFrame is the first frame on every accepted connection.
type ConnectedFrame struct {
	Version   int    `json:"v"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
}

// SessionStartedFrame tells a waiting counselor which session it was
// assigned to and who is on the other side.
type SessionStartedFrame struct {
	Version   int    `json:"v"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	PeerID    string `json:"peerId"`
}

// NoticeFrame carries relay events without a payload body, such as
// history_complete and session_closed.
type NoticeFrame struct {
	Version   int    `json:"v"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorFrame is sent to a single connection when its frame was rejected.
type ErrorFrame struct {
	Version int    `json:"v"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the minimal view of any relay frame, used by clients to
// dispatch on Type before decoding the rest.
type Envelope struct {
	Version int    `json:"v"`
	Type    string `json:"type"`
}

// NewNotice builds a notice frame of the given type.
func NewNotice(frameType, sessionID, reason string) NoticeFrame {
	return NoticeFrame{
		Version:   ProtocolVersion,
		Type:      frameType,
		SessionID: sessionID,
		Reason:    reason,
	}
}

// NewErrorFrame maps err onto its wire code.
func NewErrorFrame(err error) ErrorFrame {
	return ErrorFrame{
		Version: ProtocolVersion,
		Type:    FrameError,
		Code:    ErrorCode(err),
		Message: err.Error(),
	}
}
