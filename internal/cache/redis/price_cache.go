package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/optledger/optledger/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each series'
// latest quote is stored at key "price:{seriesCode}" with fields "price"
// (decimal string, so no binary float drift) and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(seriesCode string) string {
	return "price:" + seriesCode
}

// SetPrice stores the latest price and timestamp for a series.
func (pc *PriceCache) SetPrice(ctx context.Context, seriesCode string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(seriesCode), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", seriesCode, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a series.
// It returns domain.ErrNotFound when no quote has been cached.
func (pc *PriceCache) GetPrice(ctx context.Context, seriesCode string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(seriesCode)).Result()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: get price %s: %w", seriesCode, err)
	}
	if len(vals) == 0 {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: parse price %s: %w", seriesCode, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", seriesCode, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
