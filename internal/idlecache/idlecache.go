// Package idlecache mirrors idle-session boundaries to Redis so an
// external annotation dialog can query recent idle sessions without
// touching the embedded SQLite file directly. It is an auxiliary read
// cache, never a substitute for LocalStore's durability guarantees.
package idlecache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the contract ActivityPipeline depends on. NoopCache satisfies
// it when no Redis address is configured.
type Cache interface {
	RecordIdleEnded(ctx context.Context, sessionID string, start, end time.Time, totalIdleSeconds float64) error
	ReserveBatch(ctx context.Context, batchID string, ttl time.Duration) (bool, error)
	Close() error
}

// RedisCache is the real implementation, built around the same
// ping-on-connect wrapper shape used elsewhere in this codebase.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to addr and verifies the connection with a ping.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client}, nil
}

const idleSessionTTL = 7 * 24 * time.Hour

// RecordIdleEnded mirrors an idle_ended event as a Redis hash keyed by
// session id, with a TTL, for external readers.
func (c *RedisCache) RecordIdleEnded(ctx context.Context, sessionID string, start, end time.Time, totalIdleSeconds float64) error {
	key := "mnemosyne:idle:" + sessionID
	if err := c.client.HSet(ctx, key, map[string]interface{}{
		"start_ms":           start.UnixMilli(),
		"end_ms":             end.UnixMilli(),
		"total_idle_seconds": strconv.FormatFloat(totalIdleSeconds, 'f', 3, 64),
	}).Err(); err != nil {
		return fmt.Errorf("record idle ended: %w", err)
	}
	return c.client.Expire(ctx, key, idleSessionTTL).Err()
}

// ReserveBatch attempts to claim batchID as "being uploaded right now"
// using SETNX with a TTL, guarding against a worker double-POST after a
// retry race. The server is still expected to dedupe on (user,
// timestamp) independently; this only closes the common same-process
// race cheaply. Returns true if this call won the reservation.
func (c *RedisCache) ReserveBatch(ctx context.Context, batchID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "mnemosyne:upload:"+batchID, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve batch: %w", err)
	}
	return ok, nil
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)

// NoopCache is used when no Redis address is configured; every operation
// succeeds trivially and ReserveBatch always grants the reservation.
type NoopCache struct{}

func (NoopCache) RecordIdleEnded(context.Context, string, time.Time, time.Time, float64) error {
	return nil
}

func (NoopCache) ReserveBatch(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (NoopCache) Close() error { return nil }

var _ Cache = NoopCache{}
