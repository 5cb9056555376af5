package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/botguard/botguard/internal/ratelimit"
)

//go:embed check_consume.lua
var checkConsumeSrc string

//go:embed add.lua
var addSrc string

//go:embed raise.lua
var raiseSrc string

var (
	checkConsumeScript = redis.NewScript(checkConsumeSrc)
	addScript          = redis.NewScript(addSrc)
	raiseScript        = redis.NewScript(raiseSrc)
)

// Client is the Redis-backed counter store. The read-evaluate-write cycle
// runs inside a Lua script, so counters stay correct across concurrent
// requests and across processes without any client-side locking. Window
// expiry rides on key TTLs; no sweep is needed.
type Client struct {
	client *redis.Client
}

var _ ratelimit.Store = (*Client)(nil)

// New creates a new Redis counter store
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// CheckAndConsume atomically evaluates a fixed-window counter.
func (c *Client) CheckAndConsume(ctx context.Context, key string, amount, limit int64, window time.Duration) (ratelimit.Decision, error) {
	result, err := checkConsumeScript.Run(ctx, c.client, []string{key},
		amount, limit, window.Milliseconds()).Result()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("check-and-consume script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("unexpected script response: %v", result)
	}

	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryAfterMs, _ := values[2].(int64)

	return ratelimit.Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
	}, nil
}

// Add adjusts a counter by delta, clamped at zero.
func (c *Client) Add(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	newVal, err := addScript.Run(ctx, c.client, []string{key},
		delta, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("add script: %w", err)
	}
	return newVal, nil
}

// Raise lifts a counter to at least target in one atomic step.
func (c *Client) Raise(ctx context.Context, key string, target int64, window time.Duration) (int64, error) {
	newVal, err := raiseScript.Run(ctx, c.client, []string{key},
		target, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("raise script: %w", err)
	}
	return newVal, nil
}

// Get retrieves a counter value; absent or expired keys read as zero.
func (c *Client) Get(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
