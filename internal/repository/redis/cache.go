// Package redis provides the shared cache, session store, login rate limiter
// and activity event fan-out backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/activity"
	"github.com/circlecloud/circle/internal/config"
	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/auth"
	"github.com/circlecloud/circle/internal/services/node"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// ActivityChannel is the pub/sub channel activity ledger events go to.
const ActivityChannel = "events:activity"

var (
	_ node.MetricsCache  = (*Cache)(nil)
	_ activity.Publisher = (*Cache)(nil)
	_ auth.SessionStore  = (*Cache)(nil)
	_ auth.RateLimiter   = (*Cache)(nil)
)

// Cache wraps a Redis client.
type Cache struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))
	return NewCacheWithClient(client, logger), nil
}

// NewCacheWithClient wraps an existing client.
func NewCacheWithClient(client redis.UniversalClient, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logger.Named("redis")}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}
	return json.Unmarshal(val, dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// =============================================================================
// Node Metrics
// =============================================================================

func nodeMetricsKey(nodeID string) string {
	return "node:metrics:" + nodeID
}

// GetNodeMetrics returns cached metrics, or nil without error on a miss.
func (c *Cache) GetNodeMetrics(ctx context.Context, nodeID string) (*domain.NodeMetrics, error) {
	var m domain.NodeMetrics
	if err := c.Get(ctx, nodeMetricsKey(nodeID), &m); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// SetNodeMetrics stores node metrics for ttl.
func (c *Cache) SetNodeMetrics(ctx context.Context, nodeID string, m domain.NodeMetrics, ttl time.Duration) error {
	return c.Set(ctx, nodeMetricsKey(nodeID), m, ttl)
}

// DeleteNodeMetrics invalidates cached node metrics.
func (c *Cache) DeleteNodeMetrics(ctx context.Context, nodeID string) error {
	return c.Delete(ctx, nodeMetricsKey(nodeID))
}

// =============================================================================
// Activity Events
// =============================================================================

// PublishActivity publishes a ledger event to ActivityChannel.
func (c *Cache) PublishActivity(ctx context.Context, event activity.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, ActivityChannel, data).Err()
}

// SubscribeActivities streams ledger events until ctx is cancelled.
func (c *Cache) SubscribeActivities(ctx context.Context) <-chan activity.Event {
	pubsub := c.client.Subscribe(ctx, ActivityChannel)
	events := make(chan activity.Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event activity.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

// =============================================================================
// Sessions
// =============================================================================

const sessionTTL = 24 * time.Hour

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// SetSession stores a user session.
func (c *Cache) SetSession(ctx context.Context, sessionID string, userID string) error {
	return c.client.Set(ctx, sessionKey(sessionID), userID, sessionTTL).Err()
}

// GetSession retrieves a user session.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (string, error) {
	userID, err := c.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return userID, err
}

// DeleteSession removes a user session.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, sessionKey(sessionID)).Err()
}

// =============================================================================
// Rate Limiting
// =============================================================================

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// CheckRateLimit counts the request against a sliding window of length window.
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	key = rateLimitKey(key)

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	return rateLimitResult(countCmd.Val(), limit, now, window), nil
}

// Allow reports whether another attempt under key fits the limit.
func (c *Cache) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	res, err := c.CheckRateLimit(ctx, key, limit, window)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func rateLimitResult(count, limit int64, now time.Time, window time.Duration) *RateLimitResult {
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   count < limit,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}
}
