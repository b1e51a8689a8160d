// Package matching pairs a waiting user with an online counselor and tells
// the counselor which session to join.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/logging"
	"chatrelay/internal/websocket"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/rs/zerolog"
)

// Lobby is the presence view the matcher needs.
type Lobby interface {
	Online(role string) []websocket.Presence
	Notify(userID string, payload []byte) int
}

// Sessions is the subset of the session manager the matcher drives.
type Sessions interface {
	CreateSession(ctx context.Context, initiatorID string) (*types.Session, error)
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	AddParticipant(ctx context.Context, sessionID, userID string) error
	EndSession(ctx context.Context, sessionID string, opts interfaces.EndOptions) (*types.Session, error)
}

// Candidate is an online counselor and its current load.
type Candidate struct {
	UserID         string    `json:"user_id"`
	OnlineSince    time.Time `json:"online_since"`
	ActiveSessions int       `json:"active_sessions"`
}

// Assignment is the result of a successful match.
type Assignment struct {
	Session     *types.Session
	CounselorID string
}

// Matcher assigns sessions to the least loaded online counselor.
type Matcher struct {
	lobby    Lobby
	sessions Sessions
	logger   zerolog.Logger

	// mu serializes matches so two users never both see the same
	// counselor as idle.
	mu sync.Mutex
}

func New(lobby Lobby, sessions Sessions, logger zerolog.Logger) *Matcher {
	return &Matcher{
		lobby:    lobby,
		sessions: sessions,
		logger:   logging.Component(&logger, "matcher"),
	}
}

// Available lists online counselors, least loaded first, then longest
// waiting.
func (m *Matcher) Available(ctx context.Context) ([]Candidate, error) {
	online := m.lobby.Online(types.RoleCounselor)
	if len(online) == 0 {
		return []Candidate{}, nil
	}

	active, err := m.sessions.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	out := make([]Candidate, 0, len(online))
	for _, p := range online {
		c := Candidate{UserID: p.UserID, OnlineSince: p.Since}
		for _, s := range active {
			if s.HasParticipant(p.UserID) {
				c.ActiveSessions++
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ActiveSessions != out[j].ActiveSessions {
			return out[i].ActiveSessions < out[j].ActiveSessions
		}
		if !out[i].OnlineSince.Equal(out[j].OnlineSince) {
			return out[i].OnlineSince.Before(out[j].OnlineSince)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Match creates a session for userID and hands it to the first candidate
// whose lobby connection accepts the session_started frame. When nobody
// can be told, the session is ended again and ErrNoCounselorAvailable is
// returned.
func (m *Matcher) Match(ctx context.Context, userID string) (*Assignment, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates, err := m.Available(ctx)
	if err != nil {
		return nil, err
	}
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.UserID != userID {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		if len(candidates) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoCounselorAvailable, ErrSelfMatch)
		}
		return nil, ErrNoCounselorAvailable
	}

	session, err := m.sessions.CreateSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(types.SessionStartedFrame{
		Version:   types.ProtocolVersion,
		Type:      types.FrameSessionStarted,
		SessionID: session.ID,
		PeerID:    userID,
	})
	if err != nil {
		return nil, err
	}

	for _, c := range filtered {
		if m.lobby.Notify(c.UserID, payload) == 0 {
			continue
		}
		// Recorded now so the next match already sees the load.
		if err := m.sessions.AddParticipant(ctx, session.ID, c.UserID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID).Str("counselor_id", c.UserID).Msg("failed to record counselor")
		} else {
			session.Participants = appendMissing(session.Participants, c.UserID)
		}

		m.logger.Info().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Str("counselor_id", c.UserID).
			Int("load", c.ActiveSessions).
			Msg("session matched")
		return &Assignment{Session: session, CounselorID: c.UserID}, nil
	}

	if _, err := m.sessions.EndSession(ctx, session.ID, interfaces.EndOptions{Reason: types.EndReasonUnmatched}); err != nil {
		m.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to end unmatched session")
	}
	return nil, ErrNoCounselorAvailable
}

func appendMissing(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}
