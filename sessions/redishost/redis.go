package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-provider-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Host. NewFromEnv fills it with envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// RedisDB index. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// MaxLogLen bounds each session stream (approximate). ENV: SESSIONS_MAX_LOG_LEN
	MaxLogLen int64 `env:"SESSIONS_MAX_LOG_LEN,default=1024"`
}

// pollInterval is the XREAD block time; it also bounds how long a
// subscription takes to notice a deleted session.
const pollInterval = 500 * time.Millisecond

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	maxLen := cfg.MaxLogLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &Host{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Host from environment variables.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redishost config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) sessionKey(id string) string { return h.keyPrefix + "session:" + id }
func (h *Host) streamKey(id string) string  { return h.keyPrefix + "stream:" + id }

func (h *Host) CreateSession(ctx context.Context, s *sessions.Session, ttl time.Duration) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("redishost: session id required")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redishost: encode session: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.sessionKey(s.ID), b, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("redishost: session %s already exists", s.ID)
	}
	return nil
}

func (h *Host) LoadSession(ctx context.Context, id string, ttl time.Duration) (*sessions.Session, error) {
	key := h.sessionKey(id)
	b, err := h.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	var s sessions.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("redishost: decode session: %w", err)
	}
	if ttl > 0 {
		c := context.WithoutCancel(ctx)
		if err := h.client.Expire(c, key, ttl).Err(); err != nil {
			return nil, err
		}
		_ = h.client.Expire(c, h.streamKey(id), ttl).Err()
	}
	return &s, nil
}

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	c := context.WithoutCancel(ctx)
	n, err := h.client.Del(c, h.sessionKey(id), h.streamKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) exists(ctx context.Context, id string) (bool, error) {
	n, err := h.client.Exists(ctx, h.sessionKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (h *Host) PublishSession(ctx context.Context, id string, data []byte) (string, error) {
	ok, err := h.exists(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", sessions.ErrSessionNotFound
	}
	evID, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(id),
		MaxLen: h.maxLen,
		Approx: true,
		Values: map[string]any{"d": data},
	}).Result()
	if err != nil {
		return "", err
	}
	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, id string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	ok, err := h.exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}

	key := h.streamKey(id)
	start := lastEventID
	if start == "" {
		// Only messages published from now on.
		start = "$"
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(last) == 1 {
			start = last[0].ID
		}
	} else {
		found, err := h.client.XRange(ctx, key, lastEventID, lastEventID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("%w: %s", sessions.ErrUnknownEventID, lastEventID)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: pollInterval}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				ok, err := h.exists(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				if err := handler(ctx, m.ID, payload(m.Values["d"])); err != nil {
					return err
				}
			}
		}
	}
}

func payload(v any) []byte {
	switch x := v.(type) {
	case string:
		return []byte(x)
	case []byte:
		return x
	default:
		return []byte(fmt.Sprintf("%v", x))
	}
}

var _ sessions.Host = (*Host)(nil)
