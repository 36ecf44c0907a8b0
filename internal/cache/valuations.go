// Package cache mirrors finalized consensus valuations into redis so
// read-heavy dashboards never touch the primary database. The database row
// stays authoritative; cache writes are best-effort.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solvena/polisvault/pkg/models"
)

const keyPrefix = "polisvault:valuation:"

// ValuationCache publishes valuation snapshots keyed by asset id. The TTL
// matches the staleness bound so a cache hit is always a fresh value.
type ValuationCache struct {
	logger *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// NewValuationCache connects to redis and verifies the connection.
func NewValuationCache(logger *zap.Logger, addr, password string, db int, ttl time.Duration) (*ValuationCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &ValuationCache{logger: logger, client: client, ttl: ttl}, nil
}

// Publish stores the snapshot under the asset key.
func (c *ValuationCache) Publish(ctx context.Context, val *models.AssetValuation) error {
	payload, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+val.AssetID, payload, c.ttl).Err()
}

// Get returns the cached snapshot, or nil on a miss.
func (c *ValuationCache) Get(ctx context.Context, assetID string) (*models.AssetValuation, error) {
	raw, err := c.client.Get(ctx, keyPrefix+assetID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var val models.AssetValuation
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, err
	}
	return &val, nil
}

// Close releases the redis connection.
func (c *ValuationCache) Close() error { return c.client.Close() }
