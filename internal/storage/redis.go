package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/models"
)

// CacheTTL is the time-to-live for cached file records.
const CacheTTL = 5 * time.Minute

// RedisCache caches complete file records as JSON. A miss is (nil, nil).
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// Close closes the Redis connection.
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func (rc *RedisCache) GetRecord(ctx context.Context, key string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.get_record",
		trace.WithAttributes(attribute.String("cache_key", key)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var rec models.FileRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached record: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &rec, nil
}

func (rc *RedisCache) SetRecord(ctx context.Context, key string, rec *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "redis.set_record",
		trace.WithAttributes(attribute.String("cache_key", key)),
	)
	defer span.End()

	data, err := json.Marshal(rec)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := rc.client.Set(ctx, key, data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

func (rc *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate",
		trace.WithAttributes(attribute.Int("key_count", len(keys))),
	)
	defer span.End()

	if len(keys) == 0 {
		return nil
	}
	if err := rc.client.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// NopCache is the cache used when Redis is not configured, e.g. in the
// embedded deployment. Every lookup is a miss.
type NopCache struct{}

func (NopCache) GetRecord(ctx context.Context, key string) (*models.FileRecord, error) {
	return nil, nil
}

func (NopCache) SetRecord(ctx context.Context, key string, rec *models.FileRecord) error {
	return nil
}

func (NopCache) Invalidate(ctx context.Context, keys ...string) error {
	return nil
}
