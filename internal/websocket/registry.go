package websocket

import (
	"sort"
	"sync"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/rs/zerolog"
)

type member struct {
	conn interfaces.Connection
	role string
	seq  uint64
}

// sessionGroup is the membership set of one session.
type sessionGroup struct {
	mu      sync.Mutex
	members map[string]member // connID -> member
}

func (g *sessionGroup) snapshot() []member {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// BroadcastResult reports one fan-out.
type BroadcastResult struct {
	Recipients int
	Delivered  int
	Failed     []string // IDs of connections that were dropped
}

// Registry tracks which connections belong to which session.
// TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns; each
// session group has its own mutex so fan-out in one session never waits on
// membership changes in another.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionGroup
	index    map[string]string // connID -> sessionID
	seq      uint64
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionGroup),
		index:    make(map[string]string),
		logger:   logger,
	}
}

// Register adds conn to sessionID. Several connections with the same role
// (or the same user) coexist. Registering a connection already held by
// another session moves it.
func (r *Registry) Register(sessionID string, conn interfaces.Connection, role string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if sessionID == "" {
		return ErrEmptySession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if prev, ok := r.index[id]; ok && prev != sessionID {
		r.removeLocked(prev, id)
	}

	g, ok := r.sessions[sessionID]
	if !ok {
		g = &sessionGroup{members: make(map[string]member)}
		r.sessions[sessionID] = g
	}

	r.seq++
	g.mu.Lock()
	if _, exists := g.members[id]; !exists {
		metrics.ConnectionOpened()
	}
	g.members[id] = member{conn: conn, role: role, seq: r.seq}
	g.mu.Unlock()

	r.index[id] = sessionID
	return nil
}

// Unregister removes conn from whichever session holds it. Idempotent.
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	sessionID, ok := r.index[id]
	if !ok {
		return
	}
	r.removeLocked(sessionID, id)
}

// removeLocked requires r.mu held for writing.
func (r *Registry) removeLocked(sessionID, connID string) {
	delete(r.index, connID)

	g, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	g.mu.Lock()
	if _, exists := g.members[connID]; exists {
		delete(g.members, connID)
		metrics.ConnectionClosed()
	}
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		delete(r.sessions, sessionID)
	}
}

// MembersOf returns a copy of the session's members in registration order.
func (r *Registry) MembersOf(sessionID string) []interfaces.Connection {
	r.mu.RLock()
	g, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	members := g.snapshot()
	out := make([]interfaces.Connection, 0, len(members))
	for _, m := range members {
		out = append(out, m.conn)
	}
	return out
}

// SessionOf reports which session conn is registered in.
func (r *Registry) SessionOf(conn interfaces.Connection) (string, bool) {
	if conn == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.index[conn.ID()]
	return sessionID, ok
}

// Count returns the number of connections in the session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	g, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// BroadcastExcept sends payload to every member of the session other than
// sender. A member whose Send fails is unregistered after the fan-out; the
// remaining members still receive the payload.
func (r *Registry) BroadcastExcept(sessionID string, sender interfaces.Connection, payload []byte) BroadcastResult {
	r.mu.RLock()
	g, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return BroadcastResult{}
	}

	senderID := ""
	if sender != nil {
		senderID = sender.ID()
	}

	var result BroadcastResult
	var failed []interfaces.Connection
	for _, m := range g.snapshot() {
		if m.conn.ID() == senderID {
			continue
		}
		result.Recipients++
		if err := m.conn.Send(payload); err != nil {
			r.logger.Warn().
				Err(err).
				Str("session_id", sessionID).
				Str("conn_id", m.conn.ID()).
				Str("user_id", m.conn.GetUserID()).
				Msg("dropping member after failed send")
			failed = append(failed, m.conn)
			result.Failed = append(result.Failed, m.conn.ID())
			continue
		}
		result.Delivered++
	}

	for _, conn := range failed {
		r.Unregister(conn)
		_ = conn.Close()
	}
	metrics.AddBroadcastFailures(len(failed))

	return result
}

// DrainSession removes every member of the session at once and returns them.
func (r *Registry) DrainSession(sessionID string) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)

	g.mu.Lock()
	defer g.mu.Unlock()

	members := make([]member, 0, len(g.members))
	for id, m := range g.members {
		delete(r.index, id)
		members = append(members, m)
		metrics.ConnectionClosed()
	}
	g.members = map[string]member{}

	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	out := make([]interfaces.Connection, 0, len(members))
	for _, m := range members {
		out = append(out, m.conn)
	}
	return out
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"total_connections": len(r.index),
		"active_sessions":   len(r.sessions),
	}
	for _, g := range r.sessions {
		g.mu.Lock()
		for _, m := range g.members {
			switch m.role {
			case types.RoleUser:
				stats["user_connections"]++
			case types.RoleCounselor:
				stats["counselor_connections"]++
			}
		}
		g.mu.Unlock()
	}
	return stats
}

// DrainAll empties the registry and returns every connection it held.
func (r *Registry) DrainAll() []interfaces.Connection {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	var out []interfaces.Connection
	for _, id := range ids {
		out = append(out, r.DrainSession(id)...)
	}
	return out
}
