package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/monero-pool/block-manager/internal/util"
)

const (
	keyPrefix = "pool:"

	// Key patterns
	keyPayoutLock       = keyPrefix + "payout:lock"
	keyPayoutCycles     = keyPrefix + "payout:cycles"
	keyPPLNSPortShares  = keyPrefix + "pplns:port_shares"
	keyPPLNSWindowTime  = keyPrefix + "pplns:window_time"
	keyUnlockerLastTick = keyPrefix + "unlocker:last_tick"
)

// Payout cycle history retained for the status API
const payoutCycleHistory = 100

// RedisClient caches payout telemetry and holds the cross-process payout lock
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// LockPayouts acquires the cross-process payment lock
func (r *RedisClient) LockPayouts(lockID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(r.ctx, keyPayoutLock, lockID, ttl).Result()
}

// UnlockPayouts releases the payment lock if we own it
func (r *RedisClient) UnlockPayouts(lockID string) error {
	current, err := r.client.Get(r.ctx, keyPayoutLock).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current == lockID {
		return r.client.Del(r.ctx, keyPayoutLock).Err()
	}
	return nil
}

// IsPayoutsLocked checks if a payment run holds the lock
func (r *RedisClient) IsPayoutsLocked() (bool, error) {
	exists, err := r.client.Exists(r.ctx, keyPayoutLock).Result()
	return exists > 0, err
}

// SetPPLNSPortShares caches the per-port share breakdown of the last
// PPLNS window
func (r *RedisClient) SetPPLNSPortShares(shares map[int]float64) error {
	data, err := json.Marshal(shares)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, keyPPLNSPortShares, string(data), 0).Err()
}

// GetPPLNSPortShares returns the cached per-port share breakdown
func (r *RedisClient) GetPPLNSPortShares() (map[int]float64, error) {
	data, err := r.client.Get(r.ctx, keyPPLNSPortShares).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	shares := make(map[int]float64)
	if err := json.Unmarshal([]byte(data), &shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// SetPPLNSWindowTime caches the realized time span of the last PPLNS window
func (r *RedisClient) SetPPLNSWindowTime(seconds float64) error {
	return r.client.Set(r.ctx, keyPPLNSWindowTime, seconds, 0).Err()
}

// GetPPLNSWindowTime returns the cached PPLNS window time span
func (r *RedisClient) GetPPLNSWindowTime() (float64, error) {
	data, err := r.client.Get(r.ctx, keyPPLNSWindowTime).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(data, 64)
}

// RecordPayoutCycle appends a completed payout cycle to the history list
func (r *RedisClient) RecordPayoutCycle(cycle *PayoutCycle) error {
	data, err := json.Marshal(cycle)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.LPush(r.ctx, keyPayoutCycles, string(data))
	pipe.LTrim(r.ctx, keyPayoutCycles, 0, payoutCycleHistory-1)
	_, err = pipe.Exec(r.ctx)
	return err
}

// GetRecentPayoutCycles returns recent payout cycles, newest first
func (r *RedisClient) GetRecentPayoutCycles(limit int64) ([]*PayoutCycle, error) {
	results, err := r.client.LRange(r.ctx, keyPayoutCycles, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	cycles := make([]*PayoutCycle, 0, len(results))
	for _, result := range results {
		var cycle PayoutCycle
		if err := json.Unmarshal([]byte(result), &cycle); err == nil {
			cycles = append(cycles, &cycle)
		}
	}
	return cycles, nil
}

// TouchUnlockerTick records the time of the last completed unlocker pass
func (r *RedisClient) TouchUnlockerTick() error {
	return r.client.Set(r.ctx, keyUnlockerLastTick, time.Now().Unix(), 0).Err()
}

// GetUnlockerLastTick returns the time of the last completed unlocker pass
func (r *RedisClient) GetUnlockerLastTick() (int64, error) {
	data, err := r.client.Get(r.ctx, keyUnlockerLastTick).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(data, 10, 64)
}
