package client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options configures a Controller. Either Token (JWT deployments) or
// UserID and Role (development identity mode) identify the caller.
type Options struct {
	ServerURL string
	SessionID string
	Token     string
	UserID    string
	Role      string

	// Reconnect policy: the n-th retry waits InitialBackoff * 2^(n-1),
	// capped at MaxBackoff. After MaxRetries failed retries the controller
	// moves to FAILED. Zero selects the default; a negative value disables
	// reconnecting.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int

	// PendingLimit bounds frames queued while reconnecting.
	PendingLimit int

	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// DisableDeliveryReceipts stops the controller acknowledging each
	// peer message with a delivered frame.
	DisableDeliveryReceipts bool

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxRetries     = 5
	defaultPendingLimit   = 100
	defaultWriteTimeout   = 10 * time.Second
	defaultReadTimeout    = 75 * time.Second
)

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.PendingLimit <= 0 {
		o.PendingLimit = defaultPendingLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return o
}

// Backoff returns the wait before retry n (1-based).
func (o Options) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := o.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= o.MaxBackoff {
			return o.MaxBackoff
		}
	}
	if d > o.MaxBackoff {
		return o.MaxBackoff
	}
	return d
}

// endpoint builds the /ws URL. http and https server URLs are mapped to
// ws and wss.
func (o Options) endpoint() (string, error) {
	return o.socketURL("/ws", o.SessionID)
}

// lobbyEndpoint builds the /ws/lobby URL used while waiting for a match.
func (o Options) lobbyEndpoint() (string, error) {
	return o.socketURL("/ws/lobby", "")
}

func (o Options) socketURL(path, sessionID string) (string, error) {
	u, err := url.Parse(o.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.Path += path

	q := u.Query()
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if o.Token != "" {
		q.Set("token", o.Token)
	} else {
		q.Set("user_id", o.UserID)
		if o.Role != "" {
			q.Set("role", o.Role)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
