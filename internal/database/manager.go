package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/crypto"
	"chatrelay/internal/logging"
	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/types"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	cipher       crypto.Cipher
	logger       zerolog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	writeTimeout time.Duration
	retryDelay   time.Duration
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations and
// starts the writer goroutine. A nil cipher stores content unencrypted.
func NewManager(config *dbconfig.Config, cipher crypto.Cipher, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if cipher == nil {
		cipher = crypto.NoopCipher{}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		cipher:       cipher,
		logger:       logging.Component(&logger, "store"),
		writeChannel: make(chan writeOperation, 100),
		writeTimeout: 30 * time.Second,
		retryDelay:   time.Second,
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: a busy database is retried exactly once;
			// constraint violations are returned immediately.
			err := op.operation(m.db)
			if err != nil && isBusy(err) {
				m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database busy, retrying write")
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
				if err != nil {
					m.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	// A caller that stops waiting leaves the write queued. It runs with the
	// caller's ctx, so an expired write fails in place and never reorders.
	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSession inserts the session and its initial participants atomically.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, status, created_by, created_at)
			VALUES (?, ?, ?, ?)
		`, session.ID, types.SessionStatusActive, session.CreatedBy, session.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		for _, userID := range session.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO session_participants (session_id, user_id, joined_at)
				VALUES (?, ?, ?)
			`, session.ID, userID, session.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("failed to insert participant: %w", err)
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session creation: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, status, created_by, created_at, ended_at, end_reason, rating, feedback`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		s       types.Session
		endedAt sql.NullTime
		rating  sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Status, &s.CreatedBy, &s.CreatedAt, &endedAt, &s.EndReason, &rating, &s.Feedback); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if rating.Valid {
		r := int(rating.Int64)
		s.Rating = &r
	}
	return &s, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if err := m.loadParticipants(ctx, []*types.Session{session}); err != nil {
		return nil, err
	}
	return session, nil
}

// loadParticipants fills Participants in join order.
func (m *Manager) loadParticipants(ctx context.Context, sessions []*types.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	byID := make(map[string]*types.Session, len(sessions))
	args := make([]interface{}, 0, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
		s.Participants = nil
		args = append(args, s.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessions)), ",")
	rows, err := m.db.QueryContext(ctx, `
		SELECT session_id, user_id FROM session_participants
		WHERE session_id IN (`+placeholders+`)
		ORDER BY joined_at ASC, rowid ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sessionID, userID string
		if err := rows.Scan(&sessionID, &userID); err != nil {
			return fmt.Errorf("failed to scan participant row: %w", err)
		}
		if s, ok := byID[sessionID]; ok {
			s.Participants = append(s.Participants, userID)
		}
	}
	return rows.Err()
}

// UpdateSession writes the end-of-session fields.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var endedAt interface{}
		if session.EndedAt != nil {
			endedAt = session.EndedAt.UTC()
		}
		var rating interface{}
		if session.Rating != nil {
			rating = *session.Rating
		}

		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, ended_at = ?, end_reason = ?, rating = ?, feedback = ?
			WHERE id = ?
		`, session.Status, endedAt, session.EndReason, rating, session.Feedback, session.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrSessionNotFound
		}
		return nil
	})
}

// AddParticipant records userID as a member. Adding twice is a no-op.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, userID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO session_participants (session_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, sessionID, userID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
		return nil
	})
}

// ListActiveSessions returns all active sessions, oldest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return m.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ?
		ORDER BY created_at ASC
	`, types.SessionStatusActive)
}

// ListSessionsByParticipant returns every session userID took part in,
// oldest first.
func (m *Manager) ListSessionsByParticipant(ctx context.Context, userID string) ([]*types.Session, error) {
	return m.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE id IN (SELECT session_id FROM session_participants WHERE user_id = ?)
		ORDER BY created_at ASC
	`, userID)
}

func (m *Manager) querySessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	_ = rows.Close()

	if err := m.loadParticipants(ctx, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// StoreMessage stores a message with its content encrypted at rest.
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	content, err := m.cipher.Encrypt(message.Content)
	if err != nil {
		return fmt.Errorf("failed to encrypt message content: %w", err)
	}
	var metadata interface{}
	if len(message.Metadata) > 0 {
		metadata = string(message.Metadata)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, sender_id, sender_role, content, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			message.ID,
			message.SessionID,
			message.SenderID,
			message.SenderRole,
			content,
			metadata,
			message.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GetSessionHistory retrieves all messages for a session, oldest first.
func (m *Manager) GetSessionHistory(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, sender_id, sender_role, content, metadata, timestamp, delivered_at, seen_at
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var (
			msg         types.Message
			content     string
			metadata    sql.NullString
			deliveredAt sql.NullTime
			seenAt      sql.NullTime
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.SenderRole,
			&content, &metadata, &msg.Timestamp, &deliveredAt, &seenAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}

		msg.Content, err = m.cipher.Decrypt(content)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message %s: %w", msg.ID, err)
		}
		msg.Version = types.ProtocolVersion
		msg.Type = types.FrameMessage
		if metadata.Valid && metadata.String != "" {
			msg.Metadata = []byte(metadata.String)
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			msg.DeliveredAt = &t
		}
		if seenAt.Valid {
			t := seenAt.Time
			msg.SeenAt = &t
		}
		messages = append(messages, &msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// MarkDelivered records the first delivery receipt for a message.
func (m *Manager) MarkDelivered(ctx context.Context, sessionID, messageID string, at time.Time) error {
	return m.markReceipt(ctx, `
		UPDATE messages SET delivered_at = COALESCE(delivered_at, ?)
		WHERE id = ? AND session_id = ?
	`, sessionID, messageID, at)
}

// MarkSeen records the first read receipt. Seen implies delivered.
func (m *Manager) MarkSeen(ctx context.Context, sessionID, messageID string, at time.Time) error {
	return m.markReceipt(ctx, `
		UPDATE messages SET seen_at = COALESCE(seen_at, ?1), delivered_at = COALESCE(delivered_at, ?1)
		WHERE id = ?2 AND session_id = ?3
	`, sessionID, messageID, at)
}

func (m *Manager) markReceipt(ctx context.Context, query, sessionID, messageID string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, at.UTC(), messageID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to record receipt: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrMessageNotFound
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
