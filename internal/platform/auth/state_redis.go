package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisStatePrefix = "carelink:oauth_state:"

// RedisStateStore keeps pending grants in Redis with a per-key TTL, so
// replicas share them and expiry needs no sweeper.
type RedisStateStore struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisStateStore wraps an existing client.
func NewRedisStateStore(client redis.Cmdable) *RedisStateStore {
	return &RedisStateStore{client: client, now: time.Now}
}

// NewRedisStateStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStateStoreFromURL(ctx context.Context, rawURL string) (*RedisStateStore, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStateStore(client), client, nil
}

func (s *RedisStateStore) Save(ctx context.Context, g *PendingGrant) error {
	if g == nil || g.State == "" {
		return errors.New("pending grant requires a state")
	}
	ttl := g.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("pending grant already expired")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal pending grant: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisStatePrefix+g.State, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("save pending grant: %w", err)
	}
	if !ok {
		return ErrStateExists
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (*PendingGrant, error) {
	data, err := s.client.GetDel(ctx, redisStatePrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, fmt.Errorf("consume pending grant: %w", err)
	}

	var g PendingGrant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal pending grant: %w", err)
	}
	if !s.now().Before(g.ExpiresAt) {
		return nil, ErrUnknownState
	}
	return &g, nil
}

// Cleanup is a no-op; Redis expires keys itself.
func (s *RedisStateStore) Cleanup(context.Context) error { return nil }
