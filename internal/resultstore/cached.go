package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/subdiscovery/expstats/internal/api"
)

// CachedStore wraps another Store with a Redis cache of latest-result
// lookups for the reporting surface. Cache misses and Redis outages fall
// through to the inner store; history and list reads always hit the inner
// store since they are rare.
type CachedStore struct {
	inner  Store
	client *redis.Client
	ttl    time.Duration
}

// NewCachedStore connects to Redis and wraps inner.
func NewCachedStore(inner Store, addr, password string, db int, ttl time.Duration) (*CachedStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedStore{inner: inner, client: client, ttl: ttl}, nil
}

func latestKey(experimentID, metricName string) string {
	return fmt.Sprintf("sig:latest:%s:%s", experimentID, metricName)
}

func (c *CachedStore) Put(ctx context.Context, result *api.SignificanceResult) error {
	if err := c.inner.Put(ctx, result); err != nil {
		return err
	}

	// Refresh the latest-result cache. A cache write failure is not fatal,
	// the inner store already holds the record.
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	if err := c.client.Set(ctx, latestKey(result.ExperimentID, result.MetricName), data, c.ttl).Err(); err != nil {
		log.Printf("result cache SET failed: %v", err)
	}
	return nil
}

func (c *CachedStore) Get(ctx context.Context, experimentID, metricName string) (*api.SignificanceResult, error) {
	data, err := c.client.Get(ctx, latestKey(experimentID, metricName)).Result()
	if err == nil {
		var result api.SignificanceResult
		if jsonErr := json.Unmarshal([]byte(data), &result); jsonErr == nil {
			return &result, nil
		}
		// Corrupt cache entry: fall through to the inner store.
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("result cache GET failed: %v", err)
	}

	result, err := c.inner.Get(ctx, experimentID, metricName)
	if err != nil {
		return nil, err
	}

	if data, jsonErr := json.Marshal(result); jsonErr == nil {
		if setErr := c.client.Set(ctx, latestKey(experimentID, metricName), data, c.ttl).Err(); setErr != nil {
			log.Printf("result cache backfill failed: %v", setErr)
		}
	}
	return result, nil
}

func (c *CachedStore) History(ctx context.Context, experimentID, metricName string) ([]*api.SignificanceResult, error) {
	return c.inner.History(ctx, experimentID, metricName)
}

func (c *CachedStore) List(ctx context.Context, experimentID string) ([]*api.SignificanceResult, error) {
	return c.inner.List(ctx, experimentID)
}

func (c *CachedStore) Close() error {
	if err := c.client.Close(); err != nil {
		c.inner.Close()
		return err
	}
	return c.inner.Close()
}
