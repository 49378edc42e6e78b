// Package rediscache implements the hot cache contract on Redis: serialized
// candle batches keyed by symbol and interval, plus run snapshots by id.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/persistence"
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("cache miss")

// Config controls the client and default expiry.
type Config struct {
	Addr       string        `json:"addr" yaml:"addr"`
	DB         int           `json:"db" yaml:"db"`
	Password   string        `json:"password" yaml:"password"`
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
}

// DefaultConfig returns local-instance defaults.
func DefaultConfig() Config {
	return Config{Addr: "localhost:6379", DefaultTTL: 15 * time.Minute}
}

// Cache is the Redis-backed implementation of persistence.CandleCache.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ persistence.CandleCache = (*Cache)(nil)

// New connects a client from config.
func New(cfg Config) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return NewWithClient(client, cfg.DefaultTTL)
}

// NewWithClient wraps an existing client, for tests and shared pools.
func NewWithClient(client redis.Cmdable, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func candleKey(symbol, interval string) string {
	return fmt.Sprintf("candles:%s:%s", symbol, interval)
}

func runKey(id string) string {
	return fmt.Sprintf("backtest:run:%s", id)
}

// PutCandles stores a serialized candle batch. ttl<=0 uses the default.
func (c *Cache) PutCandles(ctx context.Context, symbol, interval string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, candleKey(symbol, interval), payload, ttl).Err()
}

// GetCandles fetches a serialized candle batch, ErrMiss when absent.
func (c *Cache) GetCandles(ctx context.Context, symbol, interval string) ([]byte, error) {
	out, err := c.client.Get(ctx, candleKey(symbol, interval)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	return out, nil
}

// PutRun stores a serialized run snapshot.
func (c *Cache) PutRun(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, runKey(id), payload, ttl).Err()
}

// GetRun fetches a serialized run snapshot, ErrMiss when absent.
func (c *Cache) GetRun(ctx context.Context, id string) ([]byte, error) {
	out, err := c.client.Get(ctx, runKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return out, nil
}

// Invalidate deletes keys, logging but not failing on partial errors.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		log.Warn().Err(err).Int("keys", len(keys)).Msg("cache invalidation failed")
		return err
	}
	return nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CandleKey exposes the key format for callers that invalidate directly.
func CandleKey(symbol, interval string) string { return candleKey(symbol, interval) }

// RunKey exposes the key format for callers that invalidate directly.
func RunKey(id string) string { return runKey(id) }
