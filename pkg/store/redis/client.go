package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dripflow/dripflow/pkg/config"
	"github.com/dripflow/dripflow/pkg/model"
)

type Client struct {
	rdb redis.UniversalClient
}

func NewClient(cfg *config.RedisConfig) (*Client, error) {
	var rdb redis.UniversalClient

	if cfg.ClusterMode {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addresses,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addresses[0],
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

func (c *Client) Client() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

const sequenceKeyPrefix = "df:sequence:"

// SequenceCache stores published sequence definitions as JSON so every api-server replica
// shares one warm copy.
type SequenceCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewSequenceCache(rdb redis.UniversalClient, ttl time.Duration) *SequenceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SequenceCache{rdb: rdb, ttl: ttl}
}

// GetSequence returns nil without error on a miss.
func (c *SequenceCache) GetSequence(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
	raw, err := c.rdb.Get(ctx, sequenceKeyPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var seq model.Sequence
	if err := json.Unmarshal(raw, &seq); err != nil {
		return nil, fmt.Errorf("decode cached sequence %s: %w", id, err)
	}
	return &seq, nil
}

func (c *SequenceCache) SetSequence(ctx context.Context, seq *model.Sequence) error {
	raw, err := json.Marshal(seq)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sequenceKeyPrefix+seq.ID.String(), raw, c.ttl).Err()
}

func (c *SequenceCache) DeleteSequence(ctx context.Context, id uuid.UUID) error {
	return c.rdb.Del(ctx, sequenceKeyPrefix+id.String()).Err()
}
