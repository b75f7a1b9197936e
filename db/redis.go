package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const receivedActivityKeyPrefix = "tusk:activity:"

// RedisActivityLog is a replay guard backed by Redis. Entries expire after ttl,
// which bounds the log without an explicit prune.
type RedisActivityLog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a Redis client and does one Ping health check.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return client, nil
}

func NewRedisActivityLog(client *redis.Client, ttl time.Duration) *RedisActivityLog {
	return &RedisActivityLog{client: client, ttl: ttl}
}

// RecordActivity is SETNX with the retention as TTL; false means a replay.
func (r *RedisActivityLog) RecordActivity(ctx context.Context, activityId string, at time.Time) (bool, error) {
	ok, err := r.client.SetNX(ctx, receivedActivityKeyPrefix+activityId, at.Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record activity %s: %w", activityId, err)
	}
	return ok, nil
}

func (r *RedisActivityLog) Close() error {
	return r.client.Close()
}
