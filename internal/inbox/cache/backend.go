package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"inboxrelay/internal/inbox/models"
)

// Backend holds cached requests. A miss is (zero, false, nil).
type Backend interface {
	Get(ctx context.Context, key models.Key) (models.ApprovalRequest, bool, error)
	Set(ctx context.Context, req models.ApprovalRequest) error
	Delete(ctx context.Context, key models.Key) error
}

// DefaultSize is the local backend's entry bound.
const DefaultSize = 1000

// LRUBackend is a process-local bounded backend.
type LRUBackend struct {
	entries *lru.Cache[models.Key, models.ApprovalRequest]
}

// NewLRUBackend creates a local backend holding at most size entries.
func NewLRUBackend(size int) (*LRUBackend, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[models.Key, models.ApprovalRequest](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &LRUBackend{entries: entries}, nil
}

func (b *LRUBackend) Get(_ context.Context, key models.Key) (models.ApprovalRequest, bool, error) {
	req, ok := b.entries.Get(key)
	return req, ok, nil
}

func (b *LRUBackend) Set(_ context.Context, req models.ApprovalRequest) error {
	b.entries.Add(req.Key(), req)
	return nil
}

func (b *LRUBackend) Delete(_ context.Context, key models.Key) error {
	b.entries.Remove(key)
	return nil
}

// Len returns the number of cached entries.
func (b *LRUBackend) Len() int {
	return b.entries.Len()
}

const redisKeyPrefix = "inbox:request:"

// RedisBackend shares cached requests between relay instances.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithTTL bounds how long an entry survives without being rewritten. Zero keeps entries
// until evicted by Redis.
func WithTTL(ttl time.Duration) RedisOption {
	return func(b *RedisBackend) {
		b.ttl = ttl
	}
}

// NewRedisBackend constructs a Redis-backed cache backend.
func NewRedisBackend(client *redis.Client, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{client: client, ttl: 10 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func redisKey(key models.Key) string {
	return redisKeyPrefix + key.String()
}

func (b *RedisBackend) Get(ctx context.Context, key models.Key) (models.ApprovalRequest, bool, error) {
	raw, err := b.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return models.ApprovalRequest{}, false, fmt.Errorf("redis get: %w", err)
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		// treat a corrupt entry as a miss; the next Set overwrites it
		return models.ApprovalRequest{}, false, nil
	}
	return req, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, req models.ApprovalRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := b.client.Set(ctx, redisKey(req.Key()), raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key models.Key) error {
	if err := b.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
