package interfaces

import (
	"context"
	"time"

	"chatrelay/pkg/types"
)

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSession writes status, end fields, rating and feedback.
	UpdateSession(ctx context.Context, session *types.Session) error

	// AddParticipant records userID as a member. Adding twice is a no-op.
	AddParticipant(ctx context.Context, sessionID, userID string) error

	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	ListSessionsByParticipant(ctx context.Context, userID string) ([]*types.Session, error)
}

// MessageStore persists relayed messages and their receipts.
// TECHNICAL DISCOVERY: history is returned oldest first so replay preserves
// the order peers originally saw.
type MessageStore interface {
	StoreMessage(ctx context.Context, message *types.Message) error
	GetSessionHistory(ctx context.Context, sessionID string) ([]*types.Message, error)
	MarkDelivered(ctx context.Context, sessionID, messageID string, at time.Time) error
	MarkSeen(ctx context.Context, sessionID, messageID string, at time.Time) error
}

// DatabaseManager is the full persistence surface the server needs.
type DatabaseManager interface {
	SessionStore
	MessageStore

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	Close() error
}

// MessageCache holds a bounded window of recent messages per session.
// Implementations may be absent; callers fall back to the store.
type MessageCache interface {
	AddMessage(ctx context.Context, message *types.Message) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*types.Message, error)
	DropSession(ctx context.Context, sessionID string) error
}
