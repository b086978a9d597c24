package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror stores dirty layout buffers in Redis, one key per editing session.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(redisURL string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisMirrorWithClient(client, ttl), nil
}

func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{
		client: client,
		prefix: "layout:",
		ttl:    ttl,
	}
}

func (m *RedisMirror) key(sessionKey string) string {
	return m.prefix + sessionKey
}

func (m *RedisMirror) Save(ctx context.Context, sessionKey string, buffer Buffer) error {
	data, err := json.Marshal(buffer)
	if err != nil {
		return fmt.Errorf("marshal layout buffer: %w", err)
	}
	if err := m.client.Set(ctx, m.key(sessionKey), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("save layout buffer: %w", err)
	}
	return nil
}

func (m *RedisMirror) Load(ctx context.Context, sessionKey string) (Buffer, bool, error) {
	data, err := m.client.Get(ctx, m.key(sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Buffer{}, false, nil
	}
	if err != nil {
		return Buffer{}, false, fmt.Errorf("load layout buffer: %w", err)
	}
	var buffer Buffer
	if err := json.Unmarshal(data, &buffer); err != nil {
		return Buffer{}, false, fmt.Errorf("unmarshal layout buffer: %w", err)
	}
	return buffer, true, nil
}

func (m *RedisMirror) Clear(ctx context.Context, sessionKey string) error {
	if err := m.client.Del(ctx, m.key(sessionKey)).Err(); err != nil {
		return fmt.Errorf("clear layout buffer: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
