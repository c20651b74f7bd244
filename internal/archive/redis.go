package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey is the list holding the recent verdict window.
	DefaultRedisKey = "mirage:verdicts"
	// DefaultRedisCap is how many verdicts the window retains.
	DefaultRedisCap = 10000
)

// RedisSink keeps the most recent verdicts in a capped Redis list, newest
// first.
type RedisSink struct {
	rdb *redis.Client
	key string
	cap int64
}

// NewRedisSink connects to Redis and verifies the connection before
// returning. An empty key or non-positive cap take the defaults.
func NewRedisSink(addr, password string, db int, key string, cap int64) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return NewRedisSinkFromClient(rdb, key, cap), nil
}

// NewRedisSinkFromClient wraps an existing client.
func NewRedisSinkFromClient(rdb *redis.Client, key string, cap int64) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	if cap <= 0 {
		cap = DefaultRedisCap
	}
	return &RedisSink{rdb: rdb, key: key, cap: cap}
}

func (s *RedisSink) Name() string { return "redis" }

// Store pushes the record onto the window and trims it back to cap, in one
// transaction.
func (s *RedisSink) Store(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.cap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n records, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Record, error) {
	vals, err := s.rdb.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(vals))
	for _, v := range vals {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close shuts down the underlying client.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
