package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/pkg/client"
	"chatrelay/pkg/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testCryptoKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // base64 of 32 bytes

// relayHarness runs a full application on an ephemeral port.
type relayHarness struct {
	t    *testing.T
	cfg  *config.Config
	app  *app.Application
	addr string
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")
	cfg.Crypto.Key = testCryptoKey
	cfg.Relay.RatePerMinute = 6000
	cfg.Relay.Burst = 200
	cfg.Session.SweepInterval = time.Hour
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config)) *relayHarness {
	t.Helper()
	cfg := baseConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	return startHarness(t, cfg)
}

func startHarness(t *testing.T, cfg *config.Config) *relayHarness {
	t.Helper()
	application, err := app.NewApplication(cfg, app.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))

	h := &relayHarness{t: t, cfg: cfg, app: application, addr: application.GetAddr()}
	t.Cleanup(h.stop)
	return h
}

func (h *relayHarness) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.app.Stop(ctx)
}

// restart stops the application and starts a fresh one on the same port
// and database.
func (h *relayHarness) restart() {
	h.t.Helper()
	h.stop()

	_, port, err := net.SplitHostPort(h.addr)
	require.NoError(h.t, err)
	cfg := *h.cfg
	cfg.HTTP.Port, err = strconv.Atoi(port)
	require.NoError(h.t, err)

	application, err := app.NewApplication(&cfg, app.WithLogger(zerolog.Nop()))
	require.NoError(h.t, err)
	require.NoError(h.t, application.Start(context.Background()))
	h.app = application
}

func (h *relayHarness) baseURL() string { return "http://" + h.addr }

func (h *relayHarness) api() *client.APIClient {
	return client.NewAPIClient(h.baseURL(), "", nil)
}

func (h *relayHarness) createSession(initiator string) string {
	h.t.Helper()
	s, err := h.api().CreateSession(context.Background(), initiator)
	require.NoError(h.t, err)
	return s.ID
}

func (h *relayHarness) endSession(sessionID string, rating *int) *http.Response {
	h.t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"rating": rating})
	resp, err := http.Post(h.baseURL()+"/api/sessions/"+sessionID+"/end", "application/json", bytes.NewReader(body))
	require.NoError(h.t, err)
	resp.Body.Close()
	return resp
}

func (h *relayHarness) wsURL(sessionID, userID, role string) string {
	return "ws://" + h.addr + "/ws?session_id=" + sessionID + "&user_id=" + userID + "&role=" + role
}

// connect opens a raw socket in development identity mode and reads
// nothing.
func (h *relayHarness) connect(sessionID, userID, role string) *rawPeer {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(sessionID, userID, role), nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return &rawPeer{t: h.t, conn: conn}
}

// lobby opens a raw lobby socket and consumes its greeting.
func (h *relayHarness) lobby(userID, role string) *rawPeer {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws/lobby?user_id="+userID+"&role="+role, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	p := &rawPeer{t: h.t, conn: conn}
	p.expect(types.FrameConnected)
	return p
}

// dial connects and consumes the greeting of a session with no history.
func (h *relayHarness) dial(sessionID, userID, role string) *rawPeer {
	h.t.Helper()
	p := h.connect(sessionID, userID, role)
	p.expect(types.FrameConnected)
	p.expect(types.FrameHistoryComplete)
	return p
}

func (h *relayHarness) controller(sessionID, userID, role string) *client.Controller {
	h.t.Helper()
	c, err := client.New(client.Options{
		ServerURL:      h.baseURL(),
		SessionID:      sessionID,
		UserID:         userID,
		Role:           role,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		MaxRetries:     30,
	})
	require.NoError(h.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, c.Start(ctx))
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawPeer is a bare WebSocket participant used to assert exact frames.
type rawPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

type frame struct {
	types.Envelope
	raw []byte
}

func (p *rawPeer) send(v interface{}) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(v))
}

func (p *rawPeer) say(content string) {
	p.t.Helper()
	p.send(types.InboundFrame{Content: &content})
}

func (p *rawPeer) read(timeout time.Duration) (frame, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	f.raw = data
	if err := json.Unmarshal(data, &f.Envelope); err != nil {
		return frame{}, err
	}
	return f, nil
}

// expect reads the next frame and requires its type.
func (p *rawPeer) expect(frameType string) frame {
	p.t.Helper()
	f, err := p.read(2 * time.Second)
	require.NoError(p.t, err)
	require.Equal(p.t, frameType, f.Type, "frame: %s", f.raw)
	return f
}

func (p *rawPeer) expectMessage() *types.Message {
	p.t.Helper()
	f := p.expect(types.FrameMessage)
	var msg types.Message
	require.NoError(p.t, json.Unmarshal(f.raw, &msg))
	return &msg
}

// expectSilence requires that nothing arrives within d. A timed-out read
// leaves the socket unusable, so this must be the peer's last read.
func (p *rawPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	f, err := p.read(d)
	if err == nil {
		p.t.Fatalf("unexpected frame: %s", f.raw)
	}
	var netErr net.Error
	require.True(p.t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}
