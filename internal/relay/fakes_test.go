package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatrelay/pkg/types"
)

type fakeConn struct {
	id        string
	userID    string
	role      string
	sessionID string

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	fail   error
}

func newFakeConn(id, userID, role, sessionID string) *fakeConn {
	return &fakeConn{id: id, userID: userID, role: role, sessionID: sessionID}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		c.closed = true
		return c.fail
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) OnMessage(func([]byte)) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) CloseGracefully(int, string) { _ = c.Close() }
func (c *fakeConn) GetUserID() string           { return c.userID }
func (c *fakeConn) GetRole() string             { return c.role }
func (c *fakeConn) GetSessionID() string        { return c.sessionID }

func (c *fakeConn) SetCredentials(userID, role, sessionID string) error {
	c.userID, c.role, c.sessionID = userID, role, sessionID
	return nil
}

// frames decodes everything sent so far into generic maps.
func (c *fakeConn) frames() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

type activeSet struct {
	mu     sync.Mutex
	active map[string]bool
}

func newActiveSet(ids ...string) *activeSet {
	s := &activeSet{active: make(map[string]bool)}
	for _, id := range ids {
		s.active[id] = true
	}
	return s
}

func (s *activeSet) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

func (s *activeSet) end(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

type memStore struct {
	mu        sync.Mutex
	messages  []*types.Message
	delivered map[string]time.Time
	seen      map[string]time.Time
	fail      bool
	stall     bool // StoreMessage waits for ctx to expire
}

func newMemStore() *memStore {
	return &memStore{delivered: map[string]time.Time{}, seen: map[string]time.Time{}}
}

func (s *memStore) StoreMessage(ctx context.Context, m *types.Message) error {
	s.mu.Lock()
	stall := s.stall
	s.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) GetSessionHistory(_ context.Context, sessionID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, _, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[messageID] = at
	return nil
}

func (s *memStore) MarkSeen(_ context.Context, _, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[messageID] = at
	return nil
}

type memCache struct {
	mu    sync.Mutex
	added []*types.Message
}

func (c *memCache) AddMessage(_ context.Context, m *types.Message) error {
	c.mu.Lock()
	c.added = append(c.added, m)
	c.mu.Unlock()
	return nil
}

func (c *memCache) RecentMessages(context.Context, string, int) ([]*types.Message, error) {
	return nil, nil
}

func (c *memCache) DropSession(context.Context, string) error { return nil }
