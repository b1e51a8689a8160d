package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"chatrelay/internal/logging"
	"chatrelay/internal/matching"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Registry is the slice of the connection registry the API reads.
type Registry interface {
	Count(sessionID string) int
	GetStats() map[string]int
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger is implemented by the history cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionStats is implemented by the lifecycle manager.
type SessionStats interface {
	GetStats() map[string]interface{}
}

// Matcher pairs users with online counselors.
type Matcher interface {
	Available(ctx context.Context) ([]matching.Candidate, error)
	Match(ctx context.Context, userID string) (*matching.Assignment, error)
}

// ServerDeps wires the HTTP surface. Store, Cache, Matcher, WebSocket,
// Lobby and Metrics may be nil.
type ServerDeps struct {
	Sessions       interfaces.SessionManager
	Registry       Registry
	Store          HealthChecker
	Cache          Pinger
	Matcher        Matcher
	WebSocket      http.Handler
	Lobby          http.Handler
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    ServerDeps
	router  chi.Router
	logger  zerolog.Logger
	started time.Time
}

// NewServer builds the router.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		logger:  logging.Component(&deps.Logger, "http"),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)

	if s.deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", s.deps.WebSocket)
	}
	if s.deps.Lobby != nil {
		r.Method(http.MethodGet, "/ws/lobby", s.deps.Lobby)
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(jsonMiddleware)
		r.Get("/health", s.healthCheck)

		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Get("/{id}", s.getSession)
			r.Post("/{id}/end", s.endSession)
			r.Delete("/{id}", s.endSession)
		})
		r.Get("/api/counselors/available", s.availableCounselors)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type CreateSessionRequest struct {
	InitiatorID string `json:"initiator_id"`

	// Match assigns an online counselor and tells it to join.
	Match bool `json:"match,omitempty"`
}

type CreateSessionResponse struct {
	SessionID   string         `json:"session_id"`
	Status      string         `json:"status"`
	Session     *types.Session `json:"session"`
	CounselorID string         `json:"counselor_id,omitempty"`
}

type AvailableCounselorsResponse struct {
	Counselors []matching.Candidate `json:"counselors"`
}

type EndSessionRequest struct {
	Rating   *int   `json:"rating,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

type EndSessionResponse struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status"`
	Session   *types.Session `json:"session"`
}

type SessionResponse struct {
	Session         *types.Session `json:"session"`
	ConnectionCount int            `json:"connection_count"`
}

type SessionWithConnections struct {
	*types.Session
	ConnectionCount int `json:"connection_count"`
}

type ListSessionsResponse struct {
	Sessions []SessionWithConnections `json:"sessions"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Cache       string                 `json:"cache"`
	Connections map[string]int         `json:"connections"`
	Sessions    map[string]interface{} `json:"sessions,omitempty"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Match {
		s.matchSession(w, r, req.InitiatorID)
		return
	}

	session, err := s.deps.Sessions.CreateSession(r.Context(), req.InitiatorID)
	if err != nil {
		if errors.Is(err, types.ErrInvalidUserID) {
			s.sendError(w, "initiator_id is missing or invalid", http.StatusBadRequest)
			return
		}
		s.logger.Error().Err(err).Msg("failed to create session")
		s.sendError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: session.ID,
		Status:    session.Status,
		Session:   session,
	})
}

func (s *Server) matchSession(w http.ResponseWriter, r *http.Request, userID string) {
	if s.deps.Matcher == nil {
		s.sendError(w, "matching is disabled", http.StatusBadRequest)
		return
	}

	a, err := s.deps.Matcher.Match(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrInvalidUserID):
			s.sendError(w, "initiator_id is missing or invalid", http.StatusBadRequest)
		case errors.Is(err, matching.ErrNoCounselorAvailable):
			s.sendError(w, err.Error(), http.StatusConflict)
		default:
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to match session")
			s.sendError(w, "Failed to create session", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID:   a.Session.ID,
		Status:      a.Session.Status,
		Session:     a.Session,
		CounselorID: a.CounselorID,
	})
}

// GET /api/counselors/available
func (s *Server) availableCounselors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Matcher == nil {
		s.sendError(w, "matching is disabled", http.StatusNotFound)
		return
	}

	counselors, err := s.deps.Matcher.Available(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list counselors")
		s.sendError(w, "Failed to list counselors", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, AvailableCounselorsResponse{Counselors: counselors})
}

// GET /api/sessions[?participant=id]
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*types.Session
		err      error
	)
	if participant := r.URL.Query().Get("participant"); participant != "" {
		sessions, err = s.deps.Sessions.ListSessionsByParticipant(r.Context(), participant)
	} else {
		sessions, err = s.deps.Sessions.ListActiveSessions(r.Context())
	}
	if err != nil {
		if errors.Is(err, types.ErrInvalidUserID) {
			s.sendError(w, "participant is invalid", http.StatusBadRequest)
			return
		}
		s.logger.Error().Err(err).Msg("failed to list sessions")
		s.sendError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	out := make([]SessionWithConnections, len(sessions))
	for i, session := range sessions {
		out[i] = SessionWithConnections{Session: session, ConnectionCount: s.deps.Registry.Count(session.ID)}
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: out})
}

// GET /api/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	session, err := s.deps.Sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to get session")
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, SessionResponse{
		Session:         session,
		ConnectionCount: s.deps.Registry.Count(sessionID),
	})
}

// POST /api/sessions/{id}/end and DELETE /api/sessions/{id}. Idempotent.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req EndSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	session, err := s.deps.Sessions.EndSession(r.Context(), sessionID, interfaces.EndOptions{
		Rating:   req.Rating,
		Feedback: req.Feedback,
	})
	if err != nil {
		switch {
		case errors.Is(err, types.ErrSessionNotFound):
			s.sendError(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, types.ErrInvalidRating):
			s.sendError(w, "rating must be between 1 and 5", http.StatusBadRequest)
		case errors.Is(err, types.ErrInvalidFeedback):
			s.sendError(w, "feedback is too long", http.StatusBadRequest)
		default:
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to end session")
			s.sendError(w, "Failed to end session", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, EndSessionResponse{
		SessionID: session.ID,
		Status:    session.Status,
		Session:   session,
	})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.deps.Store != nil {
		dbStatus = "healthy"
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	// The cache is optional, so a broken cache degrades but never fails health.
	cacheStatus := "disabled"
	if s.deps.Cache != nil {
		cacheStatus = "healthy"
		if err := s.deps.Cache.Ping(ctx); err != nil {
			cacheStatus = "error: " + err.Error()
		}
	}

	var sessionStats map[string]interface{}
	if st, ok := s.deps.Sessions.(SessionStats); ok {
		sessionStats = st.GetStats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Cache:       cacheStatus,
		Connections: s.deps.Registry.GetStats(),
		Sessions:    sessionStats,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
