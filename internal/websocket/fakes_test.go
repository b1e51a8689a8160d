package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Test WebSocket upgrader for creating test connections
var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeConn is an in-memory interfaces.Connection.
type fakeConn struct {
	id        string
	userID    string
	role      string
	sessionID string

	mu       sync.Mutex
	sent     [][]byte
	failWith error
	closed   bool
	graceful bool
	handler  func([]byte)
}

func newFakeConn(userID, role string) *fakeConn {
	return &fakeConn{id: uuid.New().String(), userID: userID, role: role}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.Join(types.ErrSend, ErrConnectionClosed)
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) OnMessage(handler func([]byte)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) CloseGracefully(code int, reason string) {
	f.mu.Lock()
	f.graceful = true
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) GetUserID() string    { return f.userID }
func (f *fakeConn) GetRole() string      { return f.role }
func (f *fakeConn) GetSessionID() string { return f.sessionID }

func (f *fakeConn) SetCredentials(userID, role, sessionID string) error {
	f.userID, f.role, f.sessionID = userID, role, sessionID
	return nil
}

func (f *fakeConn) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ interfaces.Connection = (*fakeConn)(nil)

// newConnPair returns a server-side Connection and the client socket
// talking to it.
func newConnPair(t *testing.T, opts Options) (*Connection, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var ws *websocket.Conn
	select {
	case ws = <-serverSide:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket never arrived")
	}

	conn := NewConnection(ws, opts, zerolog.Nop())
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

// newDetachedConnection builds a Connection with no socket and no writer,
// so queued frames stay queued.
func newDetachedConnection(queueSize int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       uuid.New().String(),
		opts:     Options{QueueSize: queueSize}.withDefaults(),
		writeCh:  make(chan []byte, queueSize),
		closeReq: make(chan closeRequest, 1),
		ctx:      ctx,
		cancel:   cancel,
		logger:   zerolog.Nop(),
	}
}
