package websocket

import (
	"sort"
	"sync"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/rs/zerolog"
)

// Presence describes one user currently waiting in the lobby.
type Presence struct {
	UserID      string    `json:"userId"`
	Role        string    `json:"role"`
	Since       time.Time `json:"since"`
	Connections int       `json:"connections"`
}

type lobbyEntry struct {
	role  string
	since time.Time
	conns map[string]interfaces.Connection // connID -> conn
}

// Lobby tracks users who are online but not bound to a session, so they can
// be told when a session is assigned to them. A user with several lobby
// connections is online until the last one leaves.
type Lobby struct {
	mu     sync.Mutex
	users  map[string]*lobbyEntry
	now    func() time.Time
	logger zerolog.Logger
}

// NewLobby creates an empty lobby.
func NewLobby(logger zerolog.Logger) *Lobby {
	return &Lobby{
		users:  make(map[string]*lobbyEntry),
		now:    time.Now,
		logger: logger.With().Str("component", "lobby").Logger(),
	}
}

// Join marks conn's user online under conn's role.
func (l *Lobby) Join(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !types.IsValidUserID(conn.GetUserID()) {
		return types.ErrInvalidUserID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.users[conn.GetUserID()]
	if !ok {
		e = &lobbyEntry{
			role:  conn.GetRole(),
			since: l.now().UTC(),
			conns: make(map[string]interfaces.Connection),
		}
		l.users[conn.GetUserID()] = e
	}
	e.conns[conn.ID()] = conn
	l.updateGaugesLocked()
	return nil
}

// Leave removes conn. Idempotent.
func (l *Lobby) Leave(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.users[conn.GetUserID()]
	if !ok {
		return
	}
	delete(e.conns, conn.ID())
	if len(e.conns) == 0 {
		delete(l.users, conn.GetUserID())
	}
	l.updateGaugesLocked()
}

// Online lists the users of role in the order they arrived.
func (l *Lobby) Online(role string) []Presence {
	l.mu.Lock()
	out := make([]Presence, 0, len(l.users))
	for id, e := range l.users {
		if role != "" && e.role != role {
			continue
		}
		out = append(out, Presence{UserID: id, Role: e.role, Since: e.since, Connections: len(e.conns)})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (l *Lobby) IsOnline(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.users[userID]
	return ok
}

// Notify sends payload to every lobby connection of userID and returns how
// many accepted it. Connections whose Send fails are dropped.
func (l *Lobby) Notify(userID string, payload []byte) int {
	l.mu.Lock()
	e, ok := l.users[userID]
	if !ok {
		l.mu.Unlock()
		return 0
	}
	conns := make([]interfaces.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	delivered := 0
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			l.logger.Warn().Err(err).Str("user_id", userID).Str("conn_id", c.ID()).Msg("dropping lobby connection")
			l.Leave(c)
			_ = c.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// DrainAll empties the lobby and returns every connection it held.
func (l *Lobby) DrainAll() []interfaces.Connection {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []interfaces.Connection
	for _, e := range l.users {
		for _, c := range e.conns {
			out = append(out, c)
		}
	}
	l.users = make(map[string]*lobbyEntry)
	l.updateGaugesLocked()
	return out
}

func (l *Lobby) updateGaugesLocked() {
	counts := map[string]int{types.RoleUser: 0, types.RoleCounselor: 0}
	for _, e := range l.users {
		counts[e.role]++
	}
	for role, n := range counts {
		metrics.SetLobbyOnline(role, n)
	}
}
