// Package cache keeps a bounded window of recent messages per session in
// Redis so history replay does not have to hit the store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/config"
	"chatrelay/pkg/types"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "chatrelay:session:"

// RedisCache stores each session as a sorted set scored by message time.
// TECHNICAL DISCOVERY: members that tie on score sort by their encoded
// bytes, and every encoding starts with the ULID, so ties keep relay order.
type RedisCache struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisCache(client, cfg.HistoryLimit, cfg.TTL), nil
}

func newRedisCache(client *redis.Client, limit int, ttl time.Duration) *RedisCache {
	if limit <= 0 {
		limit = 200
	}
	return &RedisCache{client: client, limit: limit, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID + ":messages"
}

// cachedMessage keeps the id first in the encoding.
type cachedMessage struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"senderId"`
	SenderRole string          `json:"senderRole"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func encode(m *types.Message) (string, error) {
	data, err := json.Marshal(cachedMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderRole: m.SenderRole,
		Content:    m.Content,
		Metadata:   m.Metadata,
		Timestamp:  m.Timestamp,
	})
	return string(data), err
}

func decode(sessionID, raw string) (*types.Message, error) {
	var c cachedMessage
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return &types.Message{
		Version:    types.ProtocolVersion,
		Type:       types.FrameMessage,
		ID:         c.ID,
		SessionID:  sessionID,
		SenderID:   c.SenderID,
		SenderRole: c.SenderRole,
		Content:    c.Content,
		Metadata:   c.Metadata,
		Timestamp:  c.Timestamp,
	}, nil
}

// AddMessage appends message and trims the set to the configured window.
func (r *RedisCache) AddMessage(ctx context.Context, message *types.Message) error {
	member, err := encode(message)
	if err != nil {
		return err
	}
	key := sessionKey(message.SessionID)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{
			Score:  float64(message.Timestamp.UnixMilli()),
			Member: member,
		})
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.limit-1))
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
// An unknown session yields an empty slice.
func (r *RedisCache) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := r.client.ZRange(ctx, sessionKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached history: %w", err)
	}

	messages := make([]*types.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := decode(sessionID, item)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// DropSession forgets everything cached for the session.
func (r *RedisCache) DropSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, sessionKey(sessionID)).Err()
}

func (r *RedisCache) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisCache) Close() error { return r.client.Close() }
