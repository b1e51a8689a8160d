package relay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"time"

	"chatrelay/internal/keylock"
	"chatrelay/internal/logging"
	"chatrelay/internal/metrics"
	"chatrelay/internal/websocket"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// SessionChecker is the slice of the lifecycle manager the relay needs.
type SessionChecker interface {
	IsActive(sessionID string) bool
}

// Deps wires the relay. Store, Cache and Limiter are optional.
type Deps struct {
	Registry *websocket.Registry
	Locker   *keylock.Locker
	Sessions SessionChecker
	Store    interfaces.MessageStore
	Cache    interfaces.MessageCache
	Limiter  *RateLimiter
	Timeout  time.Duration // per-message persist bound; defaults to 2s
	Clock    func() time.Time
	Logger   zerolog.Logger
}

const defaultPersistTimeout = 2 * time.Second

// Relay validates inbound frames and fans accepted messages out to the
// other members of the sender's session.
// ARCHITECTURAL DISCOVERY: stamping, storing and broadcasting all happen
// under the session's key lock, so every member observes one order and
// timestamps never go backwards within a session.
type Relay struct {
	registry *websocket.Registry
	locker   *keylock.Locker
	sessions SessionChecker
	store    interfaces.MessageStore
	cache    interfaces.MessageCache
	limiter  *RateLimiter
	timeout  time.Duration
	clock    func() time.Time
	logger   zerolog.Logger

	stampMu   sync.Mutex
	lastStamp map[string]time.Time

	idMu    sync.Mutex
	entropy io.Reader
}

// New creates a relay.
func New(deps Deps) (*Relay, error) {
	if deps.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if deps.Sessions == nil {
		return nil, ErrMissingSessions
	}
	if deps.Locker == nil {
		deps.Locker = keylock.New()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultPersistTimeout
	}

	return &Relay{
		registry:  deps.Registry,
		locker:    deps.Locker,
		sessions:  deps.Sessions,
		store:     deps.Store,
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		timeout:   deps.Timeout,
		clock:     deps.Clock,
		logger:    logging.Component(&deps.Logger, "relay"),
		lastStamp: make(map[string]time.Time),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// OnInbound handles one raw frame from sender. Rejections are reported to
// the sender alone as error frames.
func (r *Relay) OnInbound(ctx context.Context, sender interfaces.Connection, raw []byte) {
	frame, err := types.ParseInboundFrame(raw)
	if err != nil {
		r.reject(sender, err)
		return
	}

	switch frame.Type {
	case types.FrameMessage, types.FrameTyping:
		if r.limiter != nil && !r.limiter.Allow(sender.GetUserID()) {
			r.reject(sender, types.ErrRateLimited)
			return
		}
	}

	switch frame.Type {
	case types.FrameMessage:
		r.relayMessage(ctx, sender, frame)
	case types.FrameTyping:
		r.relayTyping(sender, frame)
	case types.FrameDelivered, types.FrameSeen:
		r.recordReceipt(ctx, sender, frame)
	}
}

func (r *Relay) relayMessage(ctx context.Context, sender interfaces.Connection, frame *types.InboundFrame) {
	sessionID := sender.GetSessionID()

	unlock := r.locker.Lock(sessionID)
	defer unlock()

	if !r.sessions.IsActive(sessionID) {
		r.reject(sender, types.ErrSessionNotFound)
		return
	}

	stamp := r.stamp(sessionID)
	msg := &types.Message{
		Version:    types.ProtocolVersion,
		Type:       types.FrameMessage,
		ID:         r.newID(stamp),
		SessionID:  sessionID,
		SenderID:   sender.GetUserID(),
		SenderRole: sender.GetRole(),
		Content:    *frame.Content,
		Metadata:   frame.Metadata,
		Timestamp:  stamp,
	}
	if string(msg.Metadata) == "null" {
		msg.Metadata = nil
	}

	r.persist(ctx, msg)

	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to encode message")
		return
	}

	res := r.registry.BroadcastExcept(sessionID, sender, payload)
	metrics.IncMessageRelayed(msg.SenderRole)

	r.logger.Debug().
		Str("session_id", sessionID).
		Str("message_id", msg.ID).
		Str("sender_id", msg.SenderID).
		Int("recipients", res.Recipients).
		Int("delivered", res.Delivered).
		Str("preview", logging.Preview(msg.Content, 24)).
		Msg("message relayed")
}

// persist writes msg to the store and cache. It runs under the session
// lock so history order matches relay order, bounded by r.timeout. Failures
// are logged and the relay continues.
func (r *Relay) persist(ctx context.Context, msg *types.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.store != nil {
		started := time.Now()
		err := r.store.StoreMessage(ctx, msg)
		metrics.ObserveStoreOp("store_message", started, err)
		if err != nil {
			r.logger.Error().Err(err).
				Str("session_id", msg.SessionID).
				Str("message_id", msg.ID).
				Msg("failed to persist message")
		}
	}
	if r.cache != nil {
		if err := r.cache.AddMessage(ctx, msg); err != nil {
			r.logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("failed to cache message")
		}
	}
}

func (r *Relay) relayTyping(sender interfaces.Connection, frame *types.InboundFrame) {
	sessionID := sender.GetSessionID()

	unlock := r.locker.Lock(sessionID)
	defer unlock()

	if !r.sessions.IsActive(sessionID) {
		r.reject(sender, types.ErrSessionNotFound)
		return
	}

	payload, err := json.Marshal(types.TypingFrame{
		Version:    types.ProtocolVersion,
		Type:       types.FrameTyping,
		SessionID:  sessionID,
		SenderID:   sender.GetUserID(),
		SenderRole: sender.GetRole(),
		Typing:     frame.Typing,
	})
	if err != nil {
		return
	}
	r.registry.BroadcastExcept(sessionID, sender, payload)
	metrics.IncTypingRelayed()
}

func (r *Relay) recordReceipt(ctx context.Context, sender interfaces.Connection, frame *types.InboundFrame) {
	if r.store == nil {
		return
	}
	sessionID := sender.GetSessionID()
	at := r.clock().UTC()

	var err error
	started := time.Now()
	if frame.Type == types.FrameDelivered {
		err = r.store.MarkDelivered(ctx, sessionID, frame.MessageID, at)
		metrics.ObserveStoreOp("mark_delivered", started, err)
	} else {
		err = r.store.MarkSeen(ctx, sessionID, frame.MessageID, at)
		metrics.ObserveStoreOp("mark_seen", started, err)
	}
	if err != nil {
		r.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("message_id", frame.MessageID).
			Str("receipt", frame.Type).
			Msg("failed to record receipt")
	}
}

// stamp returns max(now, last stamp for the session). Callers hold the
// session lock.
func (r *Relay) stamp(sessionID string) time.Time {
	now := r.clock().UTC()

	r.stampMu.Lock()
	defer r.stampMu.Unlock()

	if last, ok := r.lastStamp[sessionID]; ok && now.Before(last) {
		now = last
	}
	r.lastStamp[sessionID] = now
	return now
}

func (r *Relay) newID(at time.Time) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), r.entropy).String()
}

// ForgetSession drops per-session relay state once a session has ended.
func (r *Relay) ForgetSession(sessionID string) {
	r.stampMu.Lock()
	delete(r.lastStamp, sessionID)
	r.stampMu.Unlock()
}

// Cleanup evicts idle rate limiter entries.
func (r *Relay) Cleanup() {
	if r.limiter != nil {
		r.limiter.Cleanup()
	}
}

func (r *Relay) reject(sender interfaces.Connection, err error) {
	frame := types.NewErrorFrame(err)
	metrics.IncFrameRejected(frame.Code)

	r.logger.Debug().
		Err(err).
		Str("session_id", sender.GetSessionID()).
		Str("user_id", sender.GetUserID()).
		Str("code", frame.Code).
		Msg("rejected inbound frame")

	payload, mErr := json.Marshal(frame)
	if mErr != nil {
		return
	}
	_ = sender.Send(payload)
}
