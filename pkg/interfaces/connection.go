package interfaces

// Connection is one client's live duplex channel to the relay.
// ARCHITECTURAL DISCOVERY: business logic only ever sees this handle, so
// registry and relay tests run against in-memory fakes.
type Connection interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string

	// Send enqueues payload for delivery and never blocks on the network.
	// FUNCTIONAL DISCOVERY: a full outbound queue closes the connection and
	// the error wraps both types.ErrSend and the queue-full cause.
	Send(payload []byte) error

	// OnMessage installs the single consumer of inbound frames. Frames
	// arrive in the order the peer sent them.
	OnMessage(handler func(payload []byte))

	// Close terminates the connection. Safe to call more than once.
	Close() error

	// CloseGracefully flushes queued frames, sends a close frame with code
	// and reason, then closes.
	CloseGracefully(code int, reason string)

	GetUserID() string
	GetRole() string
	GetSessionID() string

	// SetCredentials binds the authenticated identity after upgrade.
	SetCredentials(userID, role, sessionID string) error
}
