package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// tickTTL bounds how long a cached tick survives without a refresh; a stale
// top-of-book is worse than none.
const tickTTL = 5 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each token's
// latest top-of-book is stored at key "polybot:tick:{tokenID}" with fields
// "bid", "ask", and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func tickKey(tokenID string) string {
	return Key("tick", tokenID)
}

// SetTick stores the latest best bid/ask for a token.
func (pc *PriceCache) SetTick(ctx context.Context, tick domain.PriceTick) error {
	key := tickKey(tick.TokenID)
	ts := tick.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	fields := map[string]interface{}{
		"bid": strconv.FormatFloat(tick.BestBid, 'f', -1, 64),
		"ask": strconv.FormatFloat(tick.BestAsk, 'f', -1, 64),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, tickTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", tick.TokenID, err)
	}
	return nil
}

// GetTick retrieves the latest cached top-of-book for a token. It returns
// domain.ErrNotFound when no tick has been cached.
func (pc *PriceCache) GetTick(ctx context.Context, tokenID string) (domain.PriceTick, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickKey(tokenID)).Result()
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("redis: get tick %s: %w", tokenID, err)
	}
	if len(vals) == 0 {
		return domain.PriceTick{}, domain.ErrNotFound
	}

	bid, err := strconv.ParseFloat(vals["bid"], 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("redis: parse bid %s: %w", tokenID, err)
	}
	ask, err := strconv.ParseFloat(vals["ask"], 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("redis: parse ask %s: %w", tokenID, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("redis: parse ts %s: %w", tokenID, err)
	}

	return domain.PriceTick{
		TokenID:   tokenID,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
