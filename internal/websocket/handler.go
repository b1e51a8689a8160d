package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatrelay/internal/keylock"
	"chatrelay/internal/metrics"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HandlerDeps are the collaborators of the upgrade endpoint. Store and
// Cache may be nil, in which case no history is replayed.
type HandlerDeps struct {
	Registry       *Registry
	Locker         *keylock.Locker
	SessionManager interfaces.SessionManager
	Relay          interfaces.MessageRelay
	Identity       interfaces.IdentityProvider
	Store          interfaces.MessageStore
	Cache          interfaces.MessageCache
	Lobby          *Lobby
	Options        Options
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Handler upgrades HTTP requests into session connections.
// ARCHITECTURAL DISCOVERY: Multi-stage validation (identity -> session ->
// upgrade -> registration) keeps invalid requests from ever holding a socket.
type Handler struct {
	deps     HandlerDeps
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(deps HandlerDeps) *Handler {
	deps.Options = deps.Options.withDefaults()
	if deps.Locker == nil {
		deps.Locker = keylock.New()
	}
	h := &Handler{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "ws_handler").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin admits every origin when no allow-list is configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.deps.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.deps.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// HandleWebSocket implements GET /ws?session_id=...
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		metrics.IncConnection("bad_request")
		http.Error(w, ErrMissingSessionID.Error(), http.StatusBadRequest)
		return
	}

	identity, err := h.deps.Identity.Authenticate(r)
	if err != nil {
		metrics.IncConnection("unauthorized")
		h.logger.Info().Err(err).Str("session_id", sessionID).Msg("rejected connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.deps.SessionManager.IsActive(sessionID) {
		metrics.IncConnection("not_found")
		http.Error(w, types.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.IncConnection("failed")
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.deps.Options, h.logger)
	_ = conn.SetCredentials(identity.UserID, identity.Role, sessionID)

	ctx := context.Background()
	conn.OnMessage(func(payload []byte) {
		h.deps.Relay.OnInbound(ctx, conn, payload)
	})

	if !h.join(ctx, conn) {
		return
	}

	metrics.IncConnection("accepted")
	h.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", identity.UserID).
		Str("role", identity.Role).
		Str("conn_id", conn.ID()).
		Msg("connection established")

	go h.handleConnection(conn)
}

// HandleLobby implements GET /ws/lobby. A lobby connection belongs to no
// session; it only receives session_started when a session is assigned.
func (h *Handler) HandleLobby(w http.ResponseWriter, r *http.Request) {
	if h.deps.Lobby == nil {
		http.NotFound(w, r)
		return
	}

	identity, err := h.deps.Identity.Authenticate(r)
	if err != nil {
		metrics.IncConnection("unauthorized")
		h.logger.Info().Err(err).Msg("rejected lobby connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.IncConnection("failed")
		h.logger.Warn().Err(err).Msg("lobby upgrade failed")
		return
	}

	conn := NewConnection(ws, h.deps.Options, h.logger)
	_ = conn.SetCredentials(identity.UserID, identity.Role, "")
	conn.OnMessage(func([]byte) {
		h.sendJSON(conn, types.NewErrorFrame(fmt.Errorf("%w: lobby accepts no frames", types.ErrMalformedMessage)))
	})

	if err := h.deps.Lobby.Join(conn); err != nil {
		h.logger.Warn().Err(err).Str("user_id", identity.UserID).Msg("failed to join lobby")
		h.sendJSON(conn, types.NewErrorFrame(err))
		conn.CloseGracefully(websocket.ClosePolicyViolation, "invalid identity")
		return
	}

	metrics.IncConnection("accepted")
	h.sendJSON(conn, types.ConnectedFrame{
		Version: types.ProtocolVersion,
		Type:    types.FrameConnected,
		UserID:  identity.UserID,
		Role:    identity.Role,
	})
	h.logger.Info().
		Str("user_id", identity.UserID).
		Str("role", identity.Role).
		Str("conn_id", conn.ID()).
		Msg("lobby connection established")

	go func() {
		defer func() {
			h.deps.Lobby.Leave(conn)
			_ = conn.Close()
		}()
		conn.readLoop()
	}()
}

// join registers conn and queues the connected frame and history while
// holding the session lock, so live messages can only follow the replay.
func (h *Handler) join(ctx context.Context, conn *Connection) bool {
	sessionID := conn.GetSessionID()

	unlock := h.deps.Locker.Lock(sessionID)
	defer unlock()

	// The session may have ended between the pre-check and the upgrade.
	if !h.deps.SessionManager.IsActive(sessionID) {
		h.sendJSON(conn, types.NewNotice(types.FrameSessionClosed, sessionID, types.EndReasonEnded))
		conn.CloseGracefully(websocket.CloseNormalClosure, "session ended")
		return false
	}

	if err := h.deps.Registry.Register(sessionID, conn, conn.GetRole()); err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to register connection")
		_ = conn.Close()
		return false
	}

	if err := h.deps.SessionManager.AddParticipant(ctx, sessionID, conn.GetUserID()); err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to record participant")
	}

	h.sendJSON(conn, types.ConnectedFrame{
		Version:   types.ProtocolVersion,
		Type:      types.FrameConnected,
		SessionID: sessionID,
		UserID:    conn.GetUserID(),
		Role:      conn.GetRole(),
	})
	h.sendHistory(ctx, conn)
	return true
}

// sendHistory replays the tail of the session that fits in the outbound
// queue, then history_complete.
func (h *Handler) sendHistory(ctx context.Context, conn *Connection) {
	sessionID := conn.GetSessionID()
	limit := h.deps.Options.QueueSize - 2
	if limit < 0 {
		limit = 0
	}

	messages := h.loadHistory(ctx, sessionID, limit)
	for _, msg := range messages {
		if !h.sendJSON(conn, msg) {
			return
		}
	}

	h.sendJSON(conn, types.NewNotice(types.FrameHistoryComplete, sessionID, ""))
}

func (h *Handler) loadHistory(ctx context.Context, sessionID string, limit int) []*types.Message {
	if limit == 0 {
		return nil
	}

	if h.deps.Cache != nil {
		cached, err := h.deps.Cache.RecentMessages(ctx, sessionID, limit)
		switch {
		case err != nil:
			metrics.IncCacheRequest("error")
			h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("history cache unavailable")
		case len(cached) > 0:
			metrics.IncCacheRequest("hit")
			return cached
		default:
			metrics.IncCacheRequest("miss")
		}
	}

	if h.deps.Store == nil {
		return nil
	}
	history, err := h.deps.Store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load session history")
		return nil
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func (h *Handler) sendJSON(conn *Connection, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode frame")
		return false
	}
	if err := conn.Send(data); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("failed to queue frame")
		}
		return false
	}
	return true
}

// handleConnection owns the read side until the socket goes away.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.deps.Registry.Unregister(conn)
		_ = conn.Close()
		h.logger.Info().
			Str("session_id", conn.GetSessionID()).
			Str("user_id", conn.GetUserID()).
			Str("conn_id", conn.ID()).
			Msg("connection closed")
	}()

	conn.readLoop()
}
