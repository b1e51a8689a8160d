package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/pkg/client"
	"chatrelay/pkg/types"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_PeersExchangeWithoutEcho(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	u1 := h.dial(sid, "u1", types.RoleUser)
	c1 := h.dial(sid, "c1", types.RoleCounselor)

	before := time.Now().UTC().Add(-time.Second)
	u1.say("hello")
	got := c1.expectMessage()
	assert.Equal(t, types.ProtocolVersion, got.Version)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, sid, got.SessionID)
	assert.Equal(t, "u1", got.SenderID)
	assert.Equal(t, types.RoleUser, got.SenderRole)
	assert.Equal(t, "hello", got.Content)
	assert.True(t, got.Timestamp.After(before))

	c1.say("hi")
	// u1's next frame is the reply, so its own message never came back.
	reply := u1.expectMessage()
	assert.Equal(t, "hi", reply.Content)
	assert.Equal(t, "c1", reply.SenderID)
	assert.Equal(t, types.RoleCounselor, reply.SenderRole)

	c1.expectSilence(150 * time.Millisecond)
}

func TestScenario_LoneMemberIsAcceptedSilently(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	u1 := h.dial(sid, "u1", types.RoleUser)
	u1.say("anyone there?")
	u1.expectSilence(150 * time.Millisecond)

	// The message was accepted: a counselor joining later gets it replayed.
	c1 := h.connect(sid, "c1", types.RoleCounselor)
	c1.expect(types.FrameConnected)
	replayed := c1.expectMessage()
	assert.Equal(t, "anyone there?", replayed.Content)
	c1.expect(types.FrameHistoryComplete)
}

func TestScenario_SessionsAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	s1 := h.createSession("u1")
	s2 := h.createSession("u2")

	a1 := h.dial(s1, "u1", types.RoleUser)
	b1 := h.dial(s1, "c1", types.RoleCounselor)
	a2 := h.dial(s2, "u2", types.RoleUser)
	b2 := h.dial(s2, "c2", types.RoleCounselor)

	a1.say("for s1")
	a2.say("for s2")

	assert.Equal(t, "for s1", b1.expectMessage().Content)
	assert.Equal(t, "for s2", b2.expectMessage().Content)
	b1.expectSilence(100 * time.Millisecond)
	b2.expectSilence(100 * time.Millisecond)
}

func TestScenario_AllMembersObserveOneOrder(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	senderA := h.dial(sid, "u1", types.RoleUser)
	senderB := h.dial(sid, "c1", types.RoleCounselor)
	observer1 := h.dial(sid, "u1", types.RoleUser)
	observer2 := h.dial(sid, "c1", types.RoleCounselor)

	const perSender = 25
	var wg sync.WaitGroup
	for _, p := range []*rawPeer{senderA, senderB} {
		wg.Add(1)
		go func(p *rawPeer) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				content := "m"
				_ = p.conn.WriteJSON(types.InboundFrame{Content: &content})
			}
		}(p)
	}
	wg.Wait()

	collect := func(p *rawPeer) ([]string, []time.Time) {
		var ids []string
		var stamps []time.Time
		for i := 0; i < 2*perSender; i++ {
			m := p.expectMessage()
			ids = append(ids, m.ID)
			stamps = append(stamps, m.Timestamp)
		}
		return ids, stamps
	}

	order1, stamps := collect(observer1)
	order2, _ := collect(observer2)
	assert.Equal(t, order1, order2)
	for i := 1; i < len(stamps); i++ {
		assert.False(t, stamps[i].Before(stamps[i-1]), "timestamps went backwards at %d", i)
	}

	// History replays the same order to a late joiner.
	late := h.connect(sid, "c9", types.RoleCounselor)
	late.expect(types.FrameConnected)
	replay, _ := collect(late)
	late.expect(types.FrameHistoryComplete)
	assert.Equal(t, order1, replay)
}

func TestScenario_RejectionsReachOnlyTheSender(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	u1 := h.dial(sid, "u1", types.RoleUser)
	c1 := h.dial(sid, "c1", types.RoleCounselor)

	u1.say(strings.Repeat("x", types.MaxContentBytes+1))
	var tooLarge types.ErrorFrame
	require.NoError(t, json.Unmarshal(u1.expect(types.FrameError).raw, &tooLarge))
	assert.Equal(t, types.CodeMessageTooLarge, tooLarge.Code)

	require.NoError(t, u1.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var malformed types.ErrorFrame
	require.NoError(t, json.Unmarshal(u1.expect(types.FrameError).raw, &malformed))
	assert.Equal(t, types.CodeMalformedMessage, malformed.Code)

	// A frame past the transport limit is drained and rejected the same way.
	u1.say(strings.Repeat("z", 70*1024))
	var overFrame types.ErrorFrame
	require.NoError(t, json.Unmarshal(u1.expect(types.FrameError).raw, &overFrame))
	assert.Equal(t, types.CodeMessageTooLarge, overFrame.Code)

	// The session is unaffected and the peer saw none of the rejections.
	u1.say(strings.Repeat("y", types.MaxContentBytes))
	assert.Len(t, c1.expectMessage().Content, types.MaxContentBytes)
}

func TestScenario_EndSessionClosesEveryMember(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	u1 := h.dial(sid, "u1", types.RoleUser)
	c1 := h.dial(sid, "c1", types.RoleCounselor)

	rating := 5
	resp := h.endSession(sid, &rating)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, p := range []*rawPeer{u1, c1} {
		var notice types.NoticeFrame
		require.NoError(t, json.Unmarshal(p.expect(types.FrameSessionClosed).raw, &notice))
		assert.Equal(t, types.EndReasonEnded, notice.Reason)

		_, err := p.read(2 * time.Second)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	}

	again := h.endSession(sid, nil)
	assert.Equal(t, http.StatusOK, again.StatusCode, "ending twice succeeds")

	s, _, err := h.api().GetSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusEnded, s.Status)
	require.NotNil(t, s.Rating)
	assert.Equal(t, 5, *s.Rating)
	assert.ElementsMatch(t, []string{"u1", "c1"}, s.Participants)

	_, hs, err := websocket.DefaultDialer.Dial(h.wsURL(sid, "u1", types.RoleUser), nil)
	require.Error(t, err)
	require.NotNil(t, hs)
	assert.Equal(t, http.StatusNotFound, hs.StatusCode)
}

func TestScenario_ControllersConverseUntilEnd(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	user := h.controller(sid, "u1", types.RoleUser)
	counselor := h.controller(sid, "c1", types.RoleCounselor)

	var typing sync.WaitGroup
	typing.Add(1)
	var once sync.Once
	counselor.OnNotice(func(n client.Notice) {
		if n.Type == types.FrameTyping && n.Typing && n.SenderID == "u1" {
			once.Do(typing.Done)
		}
	})

	require.NoError(t, user.SendTyping(true))
	typing.Wait()

	require.NoError(t, user.Send("hello", map[string]interface{}{"mood": "calm"}))
	require.Eventually(t, func() bool { return len(counselor.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := counselor.Messages()[0]
	assert.Equal(t, "hello", got.Content)
	assert.JSONEq(t, `{"mood":"calm"}`, string(got.Metadata))

	require.NoError(t, counselor.Send("hi", nil))
	require.Eventually(t, func() bool { return len(user.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hi", user.Messages()[0].Content)

	require.NoError(t, user.MarkSeen(user.Messages()[0].ID))

	_, err := h.api().EndSession(context.Background(), sid, nil, "")
	require.NoError(t, err)

	for _, c := range []*client.Controller{user, counselor} {
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("controller did not observe the end of the session")
		}
		assert.Equal(t, client.StateClosed, c.State())
		assert.NoError(t, c.Err())
	}
}

func TestScenario_HistorySurvivesRestartEncrypted(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	u1 := h.dial(sid, "u1", types.RoleUser)
	c1 := h.dial(sid, "c1", types.RoleCounselor)
	u1.say("first secret")
	c1.expectMessage()
	c1.say("second secret")
	u1.expectMessage()

	h.restart()

	db, err := sql.Open("sqlite3", h.cfg.Database.Path)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(`SELECT content FROM messages WHERE session_id = ?`, sid)
	require.NoError(t, err)
	var stored []string
	for rows.Next() {
		var content string
		require.NoError(t, rows.Scan(&content))
		stored = append(stored, content)
	}
	require.NoError(t, rows.Close())
	require.Len(t, stored, 2)
	for _, content := range stored {
		assert.NotContains(t, content, "secret")
	}

	joiner := h.connect(sid, "c1", types.RoleCounselor)
	joiner.expect(types.FrameConnected)
	assert.Equal(t, "first secret", joiner.expectMessage().Content)
	assert.Equal(t, "second secret", joiner.expectMessage().Content)
	joiner.expect(types.FrameHistoryComplete)
}

func TestScenario_ControllerRidesOutRestart(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")

	user := h.controller(sid, "u1", types.RoleUser)
	var (
		mu     sync.Mutex
		states []client.State
	)
	user.OnStateChange(func(s client.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	peer := h.dial(sid, "c1", types.RoleCounselor)
	peer.say("before")
	require.Eventually(t, func() bool { return len(user.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.restart()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2 && states[len(states)-1] == client.StateConnected
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, client.StateReconnecting, states[0])
	mu.Unlock()

	again := h.connect(sid, "c1", types.RoleCounselor)
	again.expect(types.FrameConnected)
	again.expectMessage()
	again.expect(types.FrameHistoryComplete)
	again.say("after")

	require.Eventually(t, func() bool { return len(user.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := user.Messages()
	assert.Equal(t, "before", msgs[0].Content)
	assert.Equal(t, "after", msgs[1].Content)
}

func TestScenario_IdleSessionsAreSwept(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Session.IdleTimeout = 100 * time.Millisecond
		c.Session.SweepInterval = 20 * time.Millisecond
	})
	idle := h.createSession("u1")
	busy := h.createSession("u2")
	h.dial(busy, "u2", types.RoleUser)

	require.Eventually(t, func() bool {
		s, _, err := h.api().GetSession(context.Background(), idle)
		return err == nil && s.Status == types.SessionStatusEnded && s.EndReason == types.EndReasonIdle
	}, 2*time.Second, 20*time.Millisecond)

	s, conns, err := h.api().GetSession(context.Background(), busy)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusActive, s.Status)
	assert.Equal(t, 1, conns)
}

func TestScenario_JWTIdentity(t *testing.T) {
	const secret = "integration-secret"
	h := newHarness(t, func(c *config.Config) {
		c.Auth.JWTSecret = secret
		c.Auth.Issuer = "chatrelay"
	})
	sid := h.createSession("u1")

	minter := auth.NewJWTProvider(secret, "chatrelay")
	token, err := minter.Mint("c1", types.RoleCounselor, time.Minute)
	require.NoError(t, err)

	c, err := client.New(client.Options{ServerURL: h.baseURL(), SessionID: sid, Token: token})
	require.NoError(t, err)
	var role string
	var once sync.Once
	ready := make(chan struct{})
	c.OnNotice(func(n client.Notice) {
		if n.Type == types.FrameConnected {
			once.Do(func() {
				role = n.Role
				close(ready)
			})
		}
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	<-ready
	assert.Equal(t, types.RoleCounselor, role)

	// Query identity is ignored once a secret is configured.
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(sid, "u1", types.RoleUser), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := auth.NewJWTProvider("other-secret", "chatrelay").Mint("u1", types.RoleUser, time.Minute)
	require.NoError(t, err)
	bad, err := client.New(client.Options{ServerURL: h.baseURL(), SessionID: sid, Token: forged})
	require.NoError(t, err)
	assert.ErrorIs(t, bad.Start(context.Background()), client.ErrRejected)
}

func TestScenario_HealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.createSession("u1")
	u1 := h.dial(sid, "u1", types.RoleUser)
	c1 := h.dial(sid, "c1", types.RoleCounselor)
	u1.say("count me")
	c1.expectMessage()

	resp, err := http.Get(h.baseURL() + "/health")
	require.NoError(t, err)
	var health struct {
		Status      string         `json:"status"`
		Database    string         `json:"database"`
		Connections map[string]int `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Database)
	assert.Equal(t, 2, health.Connections["total_connections"])

	resp, err = http.Get(h.baseURL() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatrelay_messages_relayed_total")
	assert.Contains(t, string(body), "chatrelay_active_connections")
}

func TestScenario_WaitingCounselorIsMatched(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	busy := h.lobby("c1", types.RoleCounselor)
	idle := h.lobby("c2", types.RoleCounselor)
	h.lobby("u9", types.RoleUser)

	counselors, err := h.api().AvailableCounselors(ctx)
	require.NoError(t, err)
	require.Len(t, counselors, 2, "waiting users are not offered as counselors")

	first, counselorID, err := h.api().MatchSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "c1", counselorID, "the longest waiting counselor goes first")

	started := busy.expect(types.FrameSessionStarted)
	var assigned types.SessionStartedFrame
	require.NoError(t, json.Unmarshal(started.raw, &assigned))
	assert.Equal(t, first.ID, assigned.SessionID)
	assert.Equal(t, "u1", assigned.PeerID)

	_, counselorID, err = h.api().MatchSession(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "c2", counselorID, "the idle counselor wins over the busy one")
	idle.expect(types.FrameSessionStarted)

	user := h.dial(first.ID, "u1", types.RoleUser)
	counselor := h.dial(assigned.SessionID, "c1", types.RoleCounselor)
	user.say("thanks for taking this")
	assert.Equal(t, "thanks for taking this", counselor.expectMessage().Content)

	h.endSession(first.ID, nil)
	counselors, err = h.api().AvailableCounselors(ctx)
	require.NoError(t, err)
	for _, c := range counselors {
		if c.UserID == "c1" {
			assert.Zero(t, c.ActiveSessions, "an ended session no longer counts as load")
		}
	}
}

func TestScenario_MatchWithNobodyWaiting(t *testing.T) {
	h := newHarness(t, nil)

	_, _, err := h.api().MatchSession(context.Background(), "u1")
	assert.ErrorIs(t, err, client.ErrNoCounselorAvailable)

	active, err := h.api().ListSessions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, active, "no session is left behind")
}
