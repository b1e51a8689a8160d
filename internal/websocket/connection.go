package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options tunes a Connection. Zero fields take the defaults below.
type Options struct {
	QueueSize     int
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
}

const (
	defaultQueueSize     = 100
	defaultWriteTimeout  = 10 * time.Second
	defaultReadTimeout   = 60 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultMaxFrameBytes = 64 * 1024

	// Frames up to this multiple of MaxFrameBytes are drained and rejected
	// with an error frame; larger ones drop the connection.
	hardLimitFactor = 16
)

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	return o
}

type closeRequest struct {
	code   int
	reason string
}

// Connection implements interfaces.Connection over a gorilla socket.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions,
// so exactly one goroutine (writeLoop) ever writes data frames.
type Connection struct {
	id        string
	conn      *websocket.Conn
	opts      Options
	writeCh   chan []byte
	closeReq  chan closeRequest
	userID    string
	role      string
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closing   atomic.Bool
	mu        sync.RWMutex

	handlerMu sync.RWMutex
	onMessage func([]byte)

	logger zerolog.Logger
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, opts Options, logger zerolog.Logger) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.New().String(),
		conn:     conn,
		opts:     opts,
		writeCh:  make(chan []byte, opts.QueueSize),
		closeReq: make(chan closeRequest, 1),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string { return c.id }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				c.logger.Debug().Err(err).Str("conn_id", c.id).Msg("write failed")
				_ = c.Close()
				return
			}

		case req := <-c.closeReq:
			c.flush()
			deadline := time.Now().Add(c.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = c.Close()
			return

		case <-c.ctx.Done():
			return
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send enqueues payload without blocking. A full queue means the peer cannot
// keep up; the connection is closed and ErrQueueFull reported.
func (c *Connection) Send(payload []byte) error {
	if c.closing.Load() || c.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", types.ErrSend, ErrConnectionClosed)
	}

	select {
	case c.writeCh <- payload:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %w", types.ErrSend, ErrConnectionClosed)
	default:
		metrics.IncQueueOverflow()
		c.logger.Warn().
			Str("conn_id", c.id).
			Str("user_id", c.GetUserID()).
			Int("queue_size", c.opts.QueueSize).
			Msg("outbound queue full, closing connection")
		_ = c.Close()
		return fmt.Errorf("%w: %w", types.ErrSend, ErrQueueFull)
	}
}

// OnMessage installs the inbound consumer, replacing any previous one.
func (c *Connection) OnMessage(handler func(payload []byte)) {
	c.handlerMu.Lock()
	c.onMessage = handler
	c.handlerMu.Unlock()
}

// dispatch hands one inbound frame to the consumer unless the connection
// is already closed.
func (c *Connection) dispatch(payload []byte) {
	if c.ctx.Err() != nil {
		return
	}
	c.handlerMu.RLock()
	handler := c.onMessage
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(payload)
	}
}

// Close is idempotent and always returns nil.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
	return nil
}

// CloseGracefully lets the writer flush queued frames, then sends a close
// frame. It does not wait for the peer.
func (c *Connection) CloseGracefully(code int, reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	select {
	case c.closeReq <- closeRequest{code: code, reason: reason}:
	default:
		_ = c.Close()
	}
}

// SetCredentials binds identity after the upgrade.
func (c *Connection) SetCredentials(userID, role, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.role = role
	c.sessionID = sessionID

	return nil
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// readLoop runs the heartbeat and delivers inbound text frames in arrival
// order until the socket fails or the connection is closed.
func (c *Connection) readLoop() {
	c.conn.SetReadLimit(c.opts.MaxFrameBytes * hardLimitFactor)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	go c.pingLoop()

	for {
		messageType, data, err := c.nextFrame()
		if errors.Is(err, types.ErrMessageTooLarge) {
			c.rejectOversized()
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.logger.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read error")
			}
			return
		}
		if messageType == websocket.TextMessage {
			c.dispatch(data)
		}
	}
}

// nextFrame reads one frame. Frames over MaxFrameBytes are drained and
// reported as types.ErrMessageTooLarge so the socket stays usable; frames
// over hardLimitFactor times that fail the read and close the socket with
// 1009.
func (c *Connection) nextFrame() (int, []byte, error) {
	messageType, r, err := c.conn.NextReader()
	if err != nil {
		return 0, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, c.opts.MaxFrameBytes+1))
	if err != nil {
		return 0, nil, err
	}
	if int64(len(data)) > c.opts.MaxFrameBytes {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return 0, nil, err
		}
		return messageType, nil, types.ErrMessageTooLarge
	}
	return messageType, data, nil
}

func (c *Connection) rejectOversized() {
	metrics.IncFrameRejected(types.CodeMessageTooLarge)
	payload, err := json.Marshal(types.NewErrorFrame(types.ErrMessageTooLarge))
	if err != nil {
		return
	}
	if err := c.Send(payload); err != nil {
		c.logger.Debug().Err(err).Str("conn_id", c.id).Msg("failed to queue oversize rejection")
	}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
