package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/keylock"
	"chatrelay/internal/logging"
	"chatrelay/internal/metrics"
	"chatrelay/internal/websocket"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Deps wires the manager. Store and Cache are optional; without a store,
// sessions live only for the lifetime of the process.
type Deps struct {
	Store       interfaces.SessionStore
	Cache       interfaces.MessageCache
	Registry    *websocket.Registry
	Locker      *keylock.Locker
	IdleTimeout time.Duration
	Clock       func() time.Time
	Logger      zerolog.Logger
}

// Manager implements the SessionManager interface
type Manager struct {
	store       interfaces.SessionStore
	cache       interfaces.MessageCache
	registry    *websocket.Registry
	locker      *keylock.Locker
	idleTimeout time.Duration
	clock       func() time.Time
	logger      zerolog.Logger

	mu         sync.RWMutex
	active     map[string]*types.Session // sessionID -> Session
	ended      map[string]*types.Session // only used without a store
	emptySince map[string]time.Time

	hooksMu sync.RWMutex
	onEnded []func(sessionID string)
}

// NewManager creates a new session manager
func NewManager(deps Deps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if deps.Locker == nil {
		deps.Locker = keylock.New()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Manager{
		store:       deps.Store,
		cache:       deps.Cache,
		registry:    deps.Registry,
		locker:      deps.Locker,
		idleTimeout: deps.IdleTimeout,
		clock:       deps.Clock,
		logger:      logging.Component(&deps.Logger, "session_manager"),
		active:      make(map[string]*types.Session),
		ended:       make(map[string]*types.Session),
		emptySince:  make(map[string]time.Time),
	}, nil
}

// OnSessionEnded registers fn to run after a session transitions to ENDED.
func (m *Manager) OnSessionEnded(fn func(sessionID string)) {
	m.hooksMu.Lock()
	m.onEnded = append(m.onEnded, fn)
	m.hooksMu.Unlock()
}

// LoadActiveSessions loads all active sessions from the store into memory
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	now := m.clock()
	m.mu.Lock()
	for _, s := range sessions {
		m.active[s.ID] = s
		m.emptySince[s.ID] = now
	}
	count := len(m.active)
	m.mu.Unlock()

	metrics.SetSessionsActive(count)
	m.logger.Info().Int("sessions", len(sessions)).Msg("loaded active sessions")
	return nil
}

// CreateSession always allocates a fresh ACTIVE session with the initiator
// as first participant.
func (m *Manager) CreateSession(ctx context.Context, initiatorID string) (*types.Session, error) {
	if !types.IsValidUserID(initiatorID) {
		return nil, types.ErrInvalidUserID
	}

	now := m.clock().UTC()
	s := &types.Session{
		ID:           uuid.New().String(),
		Status:       types.SessionStatusActive,
		CreatedBy:    initiatorID,
		Participants: []string{initiatorID},
		CreatedAt:    now,
	}

	if m.store != nil {
		started := time.Now()
		err := m.store.CreateSession(ctx, s)
		metrics.ObserveStoreOp("create_session", started, err)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistFailed, err)
		}
	}

	m.mu.Lock()
	m.active[s.ID] = s
	m.emptySince[s.ID] = now
	count := len(m.active)
	m.mu.Unlock()

	metrics.SetSessionsActive(count)
	m.logger.Info().Str("session_id", s.ID).Str("created_by", initiatorID).Msg("session created")
	return s.Clone(), nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	if s, ok := m.active[sessionID]; ok {
		m.mu.RUnlock()
		return s.Clone(), nil
	}
	if s, ok := m.ended[sessionID]; ok {
		m.mu.RUnlock()
		return s.Clone(), nil
	}
	m.mu.RUnlock()

	if m.store == nil {
		return nil, types.ErrSessionNotFound
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// EndSession ends a session, tells every member and closes their
// connections. Ending an ENDED session returns it unchanged.
func (m *Manager) EndSession(ctx context.Context, sessionID string, opts interfaces.EndOptions) (*types.Session, error) {
	s, _, err := m.end(ctx, sessionID, opts, false)
	return s, err
}

// end performs the ACTIVE -> ENDED transition under the session lock.
// With onlyIfEmpty the transition is skipped if anyone has joined since
// the caller looked.
func (m *Manager) end(ctx context.Context, sessionID string, opts interfaces.EndOptions, onlyIfEmpty bool) (*types.Session, bool, error) {
	if err := types.ValidateRating(opts.Rating); err != nil {
		return nil, false, err
	}
	if err := types.ValidateFeedback(opts.Feedback); err != nil {
		return nil, false, err
	}
	if opts.Reason == "" {
		opts.Reason = types.EndReasonEnded
	}

	unlock := m.locker.Lock(sessionID)
	defer unlock()

	current, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !current.IsActive() {
		return current, false, nil
	}
	if onlyIfEmpty && m.registry.Count(sessionID) > 0 {
		return current, false, nil
	}

	now := m.clock().UTC()
	ended := current.Clone()
	ended.Status = types.SessionStatusEnded
	ended.EndedAt = &now
	ended.EndReason = opts.Reason
	ended.Rating = opts.Rating
	ended.Feedback = opts.Feedback

	if m.store != nil {
		started := time.Now()
		err := m.store.UpdateSession(ctx, ended)
		metrics.ObserveStoreOp("update_session", started, err)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrPersistFailed, err)
		}
	}

	m.mu.Lock()
	delete(m.active, sessionID)
	delete(m.emptySince, sessionID)
	if m.store == nil {
		m.ended[sessionID] = ended
	}
	count := len(m.active)
	m.mu.Unlock()

	m.closeMembers(sessionID, opts.Reason)

	if m.cache != nil {
		if err := m.cache.DropSession(ctx, sessionID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to drop cached history")
		}
	}

	metrics.IncSessionEnded(opts.Reason)
	metrics.SetSessionsActive(count)
	m.logger.Info().
		Str("session_id", sessionID).
		Str("reason", opts.Reason).
		Msg("session ended")

	m.hooksMu.RLock()
	hooks := append([]func(string){}, m.onEnded...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(sessionID)
	}

	return ended.Clone(), true, nil
}

// closeMembers sends session_closed to every member, then closes them
// after their queues drain.
func (m *Manager) closeMembers(sessionID, reason string) {
	payload, err := json.Marshal(types.NewNotice(types.FrameSessionClosed, sessionID, reason))
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to encode session_closed")
		return
	}

	for _, conn := range m.registry.DrainSession(sessionID) {
		if err := conn.Send(payload); err != nil {
			m.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("member gone before session_closed")
			continue
		}
		conn.CloseGracefully(gws.CloseNormalClosure, "session ended")
	}
}

// ListActiveSessions returns all active sessions, oldest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	m.mu.RLock()
	sessions := make([]*types.Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s.Clone())
	}
	m.mu.RUnlock()

	sortByCreated(sessions)
	return sessions, nil
}

// ListSessionsByParticipant returns every session userID has taken part in.
func (m *Manager) ListSessionsByParticipant(ctx context.Context, userID string) ([]*types.Session, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	if m.store != nil {
		return m.store.ListSessionsByParticipant(ctx, userID)
	}

	m.mu.RLock()
	var sessions []*types.Session
	for _, group := range []map[string]*types.Session{m.active, m.ended} {
		for _, s := range group {
			if s.HasParticipant(userID) {
				sessions = append(sessions, s.Clone())
			}
		}
	}
	m.mu.RUnlock()

	sortByCreated(sessions)
	return sessions, nil
}

// IsActive checks if a session is active (cache-only check)
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[sessionID]
	return ok && s.IsActive()
}

// AddParticipant records that userID joined. Callers already hold the
// session lock, so this must not take it.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return types.ErrSessionNotFound
	}
	if s.HasParticipant(userID) {
		m.mu.Unlock()
		return nil
	}
	s.Participants = append(s.Participants, userID)
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	started := time.Now()
	err := m.store.AddParticipant(ctx, sessionID, userID)
	metrics.ObserveStoreOp("add_participant", started, err)
	return err
}

// SweepIdle ends sessions that have had no connections for the idle
// timeout and returns how many it ended.
// FUNCTIONAL DISCOVERY: a session nobody ever joins is measured from its
// creation, so abandoned sessions are reclaimed too.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}

	var candidates []string
	m.mu.Lock()
	for id := range m.active {
		if m.registry.Count(id) > 0 {
			delete(m.emptySince, id)
			continue
		}
		since, ok := m.emptySince[id]
		if !ok {
			m.emptySince[id] = now
			continue
		}
		if now.Sub(since) >= m.idleTimeout {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	ended := 0
	for _, id := range candidates {
		_, changed, err := m.end(ctx, id, interfaces.EndOptions{Reason: types.EndReasonIdle}, true)
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("failed to end idle session")
			continue
		}
		if changed {
			ended++
		}
	}
	return ended
}

// GetStats returns session manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"active_sessions": len(m.active),
		"idle_sessions":   len(m.emptySince),
	}
}

func sortByCreated(sessions []*types.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
