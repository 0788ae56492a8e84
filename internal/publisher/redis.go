// Package publisher delivers final records to Redis for downstream
// strategy processes: a per-symbol stream for replay, a pub/sub channel
// for live consumers and a latest-record key for polling.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/pipeline"
	"fundspread-aggregator/internal/venue"
)

const (
	finalChannel   = "fundspread:final"
	accountChannel = "fundspread:account"
	activeSetKey   = "fundspread:symbols:active"

	streamMaxLen = 1000
	latestTTL    = 5 * time.Minute
)

// RedisConsumer implements pipeline.Consumer on top of Redis.
type RedisConsumer struct {
	client *redis.Client
}

// NewRedisConsumer connects and verifies the endpoint with a ping.
func NewRedisConsumer(ctx context.Context, addr, password string, db int) (*RedisConsumer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisConsumer{client: client}, nil
}

func (c *RedisConsumer) Name() string { return "redis" }

// Client returns the underlying Redis client.
func (c *RedisConsumer) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisConsumer) Close() error {
	return c.client.Close()
}

// Consume writes one final record three ways: appended to the symbol's
// stream, published on the shared channel, and stored under the
// latest-record key with a TTL. The symbol is also added to the active
// set so consumers can discover what is flowing.
func (c *RedisConsumer) Consume(ctx context.Context, rec *pipeline.FinalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal final record: %w", err)
	}

	streamKey := fmt.Sprintf("fundspread:final:%s", rec.Symbol)
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", streamKey, err)
	}

	if err := c.client.Publish(ctx, finalChannel, string(data)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", finalChannel, err)
	}

	latestKey := fmt.Sprintf("fundspread:latest:%s", rec.Symbol)
	if err := c.client.Set(ctx, latestKey, data, latestTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", latestKey, err)
	}

	if err := c.client.SAdd(ctx, activeSetKey, rec.Symbol).Err(); err != nil {
		// Discovery metadata only; the record itself is already out.
		log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("active-set update failed")
	}
	return nil
}

// PublishAccount forwards one account event on the account channel.
// Best effort: failures are logged, the event is not queued.
func (c *RedisConsumer) PublishAccount(ctx context.Context, ev *venue.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("exchange", string(ev.Exchange)).Msg("marshal account event failed")
		return
	}
	if err := c.client.Publish(ctx, accountChannel, string(data)).Err(); err != nil {
		log.Warn().Err(err).Str("exchange", string(ev.Exchange)).Msg("account publish failed")
	}
}
