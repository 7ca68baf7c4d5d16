// Package queue carries the Redis side channels of the job queue. Postgres
// stays the source of truth; Redis only wakes idle workers early and keeps a
// capped feed of terminally failed job ids for operators.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"studio-jobcore/internal/config"
)

// Doorbell signals workers that new jobs were enqueued.
type Doorbell struct {
	client        *redis.Client
	key           string
	failedKey     string
	failedMaxSize int64
}

// NewRedisClient builds the Redis client shared by the doorbell, the
// workflow locker and the rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewDoorbell builds a doorbell with its own client from config.
func NewDoorbell(cfg config.Config) *Doorbell {
	return NewDoorbellWithClient(NewRedisClient(cfg), cfg.DoorbellKey, cfg.FailedFeedKey, cfg.FailedFeedMaxSize)
}

// NewDoorbellWithClient wires an existing client.
func NewDoorbellWithClient(client *redis.Client, key, failedKey string, failedMaxSize int64) *Doorbell {
	if key == "" {
		key = "jobs:doorbell"
	}
	if failedKey == "" {
		failedKey = "jobs:failed"
	}
	if failedMaxSize <= 0 {
		failedMaxSize = 500
	}
	return &Doorbell{client: client, key: key, failedKey: failedKey, failedMaxSize: failedMaxSize}
}

// Ring records that jobID became claimable. The list is trimmed so a burst
// of enqueues without listening workers cannot grow it unbounded.
func (d *Doorbell) Ring(ctx context.Context, jobID string) error {
	pipe := d.client.TxPipeline()
	pipe.RPush(ctx, d.key, jobID)
	pipe.LTrim(ctx, d.key, -1000, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until the doorbell rings or timeout passes. It reports whether
// a ring was consumed. The popped id is only a hint; workers still claim
// through the store.
func (d *Doorbell) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := d.client.BLPop(ctx, timeout, d.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordTerminal appends a terminally failed job id to the operator feed.
func (d *Doorbell) RecordTerminal(ctx context.Context, jobID string) error {
	pipe := d.client.TxPipeline()
	pipe.LPush(ctx, d.failedKey, jobID)
	pipe.LTrim(ctx, d.failedKey, 0, d.failedMaxSize-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Terminal reads the most recent terminally failed job ids, newest first.
func (d *Doorbell) Terminal(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 100
	}
	return d.client.LRange(ctx, d.failedKey, 0, count-1).Result()
}

// Ping checks connectivity.
func (d *Doorbell) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *Doorbell) Close() error {
	return d.client.Close()
}
