// Package redis provides Redis caching and pub/sub functionality.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/config"
	"github.com/labcloud/labcloud/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps a Redis client for caching, pub/sub, sessions and rate
// limiting.
type Cache struct {
	client *redis.Client
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
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{client: client, logger: logger}, nil
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
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
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
// Task Cache Operations
// =============================================================================

// Terminal tasks never change status again, so the long TTL is purely a
// memory bound.
const taskCacheTTL = 1 * time.Hour

// GetTask retrieves a terminal task from cache. The bool result reports a
// hit; cache errors degrade to a miss.
func (c *Cache) GetTask(ctx context.Context, upid string) (*domain.Task, bool) {
	var task domain.Task
	if err := c.Get(ctx, taskKey(upid), &task); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Task cache read failed", zap.String("upid", upid), zap.Error(err))
		}
		return nil, false
	}
	return &task, true
}

// SetTask stores a terminal task in cache. Best effort.
func (c *Cache) SetTask(ctx context.Context, task *domain.Task) {
	if !task.Status.Terminal() {
		return
	}
	if err := c.Set(ctx, taskKey(task.UPID), task, taskCacheTTL); err != nil {
		c.logger.Warn("Task cache write failed", zap.String("upid", task.UPID), zap.Error(err))
	}
}

func taskKey(upid string) string {
	return fmt.Sprintf("task:%s", upid)
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// TaskEventChannel carries task status updates to websocket watchers across
// replicas.
const TaskEventChannel = "events:task"

// Event represents a real-time event.
type Event struct {
	Type       string      `json:"type"`
	ResourceID string      `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a channel and returns a message channel.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-pubsub.Channel():
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				events <- event
			}
		}
	}()

	return events
}

// PublishTaskUpdate broadcasts a task status change. Best effort; watchers
// fall back to polling.
func (c *Cache) PublishTaskUpdate(ctx context.Context, task *domain.Task) {
	err := c.Publish(ctx, TaskEventChannel, Event{
		Type:       "task." + string(task.Status),
		ResourceID: task.UPID,
		Data:       task,
	})
	if err != nil {
		c.logger.Warn("Failed to publish task update", zap.String("upid", task.UPID), zap.Error(err))
	}
}

// =============================================================================
// Session Storage
// =============================================================================

const sessionTTL = 24 * time.Hour

// SetSession stores a user session.
func (c *Cache) SetSession(ctx context.Context, sessionID string, userID string) error {
	return c.client.Set(ctx, sessionKey(sessionID), userID, sessionTTL).Err()
}

// GetSession retrieves a user session.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (string, error) {
	userID, err := c.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return userID, err
}

// DeleteSession removes a user session.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, sessionKey(sessionID)).Err()
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
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

// CheckRateLimit checks if a request is within rate limits using a sliding
// window.
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := countCmd.Val()
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   count < limit,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}, nil
}
