// Package client is the endpoint side of the relay: a Controller owns one
// session connection, keeps the arrival-ordered message log and reconnects
// with exponential backoff when the transport drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/pkg/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the controller's connection state.
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
	StateClosed       State = "CLOSED"
)

// Notice is any relay frame other than a chat message: connected,
// history_complete, typing, session_closed and error.
type Notice struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Role       string `json:"role,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderRole string `json:"senderRole,omitempty"`
	Typing     bool   `json:"typing,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Controller is one participant's view of a session.
// ARCHITECTURAL DISCOVERY: a single goroutine owns dial, read and
// reconnect, and every callback runs on it. Close waits for that goroutine,
// so nothing fires after Close returns. Callbacks must not call Close.
type Controller struct {
	opts     Options
	endpoint string
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	started  bool
	conn     *websocket.Conn
	pending  [][]byte
	messages []*types.Message
	seen     map[string]struct{}
	selfID   string
	err      error
	cancel   context.CancelFunc

	writeMu sync.Mutex

	cbMu      sync.RWMutex
	onMessage []func(*types.Message)
	onState   []func(State)
	onNotice  []func(Notice)

	closing   atomic.Bool
	done      chan struct{}
	ready     chan error
	readyOnce sync.Once
}

// New validates opts and returns an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.ServerURL == "" {
		return nil, ErrMissingServer
	}
	if opts.SessionID == "" {
		return nil, ErrMissingSession
	}
	if opts.Token == "" && !types.IsValidUserID(opts.UserID) {
		return nil, types.ErrInvalidUserID
	}
	opts = opts.withDefaults()

	endpoint, err := opts.endpoint()
	if err != nil {
		return nil, err
	}

	return &Controller{
		opts:     opts,
		endpoint: endpoint,
		logger:   opts.Logger.With().Str("component", "client").Str("session_id", opts.SessionID).Logger(),
		state:    StateIdle,
		seen:     make(map[string]struct{}),
		selfID:   opts.UserID,
		done:     make(chan struct{}),
		ready:    make(chan error, 1),
	}, nil
}

// OnMessage registers fn for every newly appended message.
func (c *Controller) OnMessage(fn func(*types.Message)) {
	c.cbMu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.cbMu.Unlock()
}

// OnStateChange registers fn for state transitions.
func (c *Controller) OnStateChange(fn func(State)) {
	c.cbMu.Lock()
	c.onState = append(c.onState, fn)
	c.cbMu.Unlock()
}

// OnNotice registers fn for non-message frames.
func (c *Controller) OnNotice(fn func(Notice)) {
	c.cbMu.Lock()
	c.onNotice = append(c.onNotice, fn)
	c.cbMu.Unlock()
}

// Start connects and returns once the first connection is up, the
// reconnect policy gives up, or ctx is done. ctx bounds only the wait; the
// controller keeps running until Close.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.run(loopCtx)

	select {
	case err := <-c.ready:
		return err
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	retries := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.signalReady(ErrClosed)
				return
			}
			if errors.Is(err, ErrRejected) || errors.Is(err, types.ErrSessionNotFound) {
				c.fail(err)
				return
			}
			retries++
			if retries > c.opts.MaxRetries {
				c.fail(fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
				return
			}
			wait := c.opts.Backoff(retries)
			c.logger.Debug().Err(err).Int("retry", retries).Dur("backoff", wait).Msg("dial failed")
			if !c.sleep(ctx, wait) {
				c.signalReady(ErrClosed)
				return
			}
			continue
		}

		c.attach(conn)
		sessionClosed := c.readLoop(conn)
		c.detach(conn)

		if ctx.Err() != nil {
			return
		}
		if sessionClosed {
			c.setState(StateClosed)
			return
		}

		// The redial after a drop is the first retry.
		retries = 1
		if retries > c.opts.MaxRetries {
			c.fail(fmt.Errorf("%w: connection lost", ErrRetriesExhausted))
			return
		}
		c.setState(StateReconnecting)
		if !c.sleep(ctx, c.opts.Backoff(retries)) {
			return
		}
	}
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	return dialRelay(ctx, c.opts.Dialer, c.endpoint)
}

// dialRelay maps handshake rejections onto the package's errors.
func dialRelay(ctx context.Context, dialer *websocket.Dialer, endpoint string) (*websocket.Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err == nil {
		return conn, nil
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, resp.Status)
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}
	}
	return nil, fmt.Errorf("%w: %w", types.ErrConnection, err)
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// attach installs conn and flushes frames queued while it was down, before
// any new Send can reach the socket.
func (c *Controller) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.writeMu.Lock()
	c.conn = conn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Close may have run between the dial and the install above.
	if c.closing.Load() {
		c.writeMu.Unlock()
		_ = conn.Close()
		return
	}

	for _, payload := range pending {
		if err := c.writeLocked(conn, payload); err != nil {
			c.logger.Warn().Err(err).Msg("failed to flush queued frame")
			break
		}
	}
	c.writeMu.Unlock()

	c.setState(StateConnected)
	c.signalReady(nil)
}

func (c *Controller) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// readLoop returns true when the relay announced the session closed.
func (c *Controller) readLoop(conn *websocket.Conn) bool {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.logger.Info().Err(err).Msg("connection lost")
			}
			return false
		}
		extend()
		if c.handleFrame(data) {
			return true
		}
	}
}

func (c *Controller) handleFrame(data []byte) bool {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn().Err(err).Msg("undecodable frame from relay")
		return false
	}

	switch env.Type {
	case types.FrameMessage:
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("undecodable message from relay")
			return false
		}
		if !c.appendMessage(&msg) {
			return false
		}
		c.emitMessage(&msg)
		c.acknowledge(&msg)
		return false

	default:
		var n Notice
		if err := json.Unmarshal(data, &n); err != nil {
			c.logger.Warn().Err(err).Msg("undecodable notice from relay")
			return false
		}
		if n.Type == types.FrameConnected && n.UserID != "" {
			c.mu.Lock()
			c.selfID = n.UserID
			c.mu.Unlock()
		}
		c.emitNotice(n)
		return n.Type == types.FrameSessionClosed
	}
}

// appendMessage records msg unless its ID was already seen, which happens
// when history is replayed after a reconnect.
func (c *Controller) appendMessage(msg *types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ID != "" {
		if _, dup := c.seen[msg.ID]; dup {
			return false
		}
		c.seen[msg.ID] = struct{}{}
	}
	c.messages = append(c.messages, msg)
	return true
}

func (c *Controller) acknowledge(msg *types.Message) {
	if c.opts.DisableDeliveryReceipts || msg.ID == "" {
		return
	}
	c.mu.Lock()
	own := msg.SenderID == c.selfID
	c.mu.Unlock()
	if own {
		return
	}
	if err := c.sendReceipt(types.FrameDelivered, msg.ID); err != nil {
		c.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("failed to send delivery receipt")
	}
}

// Send queues a chat message. While reconnecting the frame is held and
// flushed once the connection is back.
func (c *Controller) Send(content string, metadata map[string]interface{}) error {
	if len(content) > types.MaxContentBytes {
		return types.ErrMessageTooLarge
	}
	frame := types.InboundFrame{
		Version: types.ProtocolVersion,
		Type:    types.FrameMessage,
		Content: &content,
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		frame.Metadata = raw
	}
	return c.sendFrame(frame, true)
}

// SendTyping reports a typing indicator. It is dropped, not queued, when
// the connection is down.
func (c *Controller) SendTyping(typing bool) error {
	return c.sendFrame(types.InboundFrame{
		Version: types.ProtocolVersion,
		Type:    types.FrameTyping,
		Typing:  typing,
	}, false)
}

// MarkSeen sends a read receipt for messageID.
func (c *Controller) MarkSeen(messageID string) error {
	return c.sendReceipt(types.FrameSeen, messageID)
}

func (c *Controller) sendReceipt(kind, messageID string) error {
	return c.sendFrame(types.InboundFrame{
		Version:   types.ProtocolVersion,
		Type:      kind,
		MessageID: messageID,
	}, true)
}

func (c *Controller) sendFrame(frame types.InboundFrame, queueable bool) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing.Load() || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateFailed || !c.started {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	if conn == nil {
		defer c.mu.Unlock()
		if !queueable {
			return ErrNotConnected
		}
		if len(c.pending) >= c.opts.PendingLimit {
			return ErrQueueFull
		}
		c.pending = append(c.pending, payload)
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(conn, payload); err != nil {
		return fmt.Errorf("%w: %w", types.ErrSend, err)
	}
	return nil
}

// writeLocked requires writeMu.
func (c *Controller) writeLocked(conn *websocket.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Messages returns the arrival-ordered log. The slice is a copy; the
// messages themselves are shared and must not be modified.
func (c *Controller) Messages() []*types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Message(nil), c.messages...)
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error once the controller has FAILED.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the controller has stopped for good.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down immediately. No callback runs after
// Close returns. Safe to call more than once.
func (c *Controller) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	if started {
		<-c.done
	} else {
		close(c.done)
	}

	c.mu.Lock()
	c.conn = nil
	c.pending = nil
	if c.state != StateFailed {
		c.state = StateClosed
	}
	c.mu.Unlock()
	c.signalReady(ErrClosed)
	return nil
}

func (c *Controller) setState(s State) {
	if c.closing.Load() {
		return
	}
	c.mu.Lock()
	if c.state == s || c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug().Str("state", string(s)).Msg("state changed")
	c.cbMu.RLock()
	fns := make([]func(State), len(c.onState))
	copy(fns, c.onState)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Controller) fail(err error) {
	c.logger.Warn().Err(err).Msg("giving up on session connection")
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.setState(StateFailed)
	c.signalReady(err)
}

func (c *Controller) signalReady(err error) {
	c.readyOnce.Do(func() { c.ready <- err })
}

func (c *Controller) emitMessage(msg *types.Message) {
	if c.closing.Load() {
		return
	}
	c.cbMu.RLock()
	fns := make([]func(*types.Message), len(c.onMessage))
	copy(fns, c.onMessage)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *Controller) emitNotice(n Notice) {
	if c.closing.Load() {
		return
	}
	c.cbMu.RLock()
	fns := make([]func(Notice), len(c.onNotice))
	copy(fns, c.onNotice)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
