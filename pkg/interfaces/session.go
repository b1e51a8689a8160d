package interfaces

import (
	"context"
	"net/http"
	"time"

	"chatrelay/pkg/types"
)

// EndOptions carries the optional fields recorded when a session ends.
type EndOptions struct {
	Reason   string
	Rating   *int
	Feedback string
}

// SessionManager handles session lifecycle operations
// ARCHITECTURAL DISCOVERY: Context-first design pattern ensures proper
// cancellation and timeout handling across all session operations
type SessionManager interface {
	// CreateSession always allocates a fresh session in ACTIVE state.
	CreateSession(ctx context.Context, initiatorID string) (*types.Session, error)

	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// EndSession is idempotent. Ending an ENDED session returns it unchanged.
	EndSession(ctx context.Context, sessionID string, opts EndOptions) (*types.Session, error)

	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	ListSessionsByParticipant(ctx context.Context, userID string) ([]*types.Session, error)

	// IsActive is the hot-path check the relay performs on every frame.
	IsActive(sessionID string) bool

	// AddParticipant records that userID joined sessionID.
	AddParticipant(ctx context.Context, sessionID, userID string) error

	// SweepIdle ends sessions that have had no connections for the idle
	// window and returns how many it ended.
	SweepIdle(ctx context.Context, now time.Time) int
}

// MessageRelay accepts raw inbound frames from one connection.
type MessageRelay interface {
	OnInbound(ctx context.Context, sender Connection, raw []byte)
}

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// IdentityProvider resolves the caller of an upgrade request.
// FUNCTIONAL DISCOVERY: the browser WebSocket API cannot set headers, so
// providers must also accept credentials in the query string.
type IdentityProvider interface {
	Authenticate(r *http.Request) (Identity, error)
}
