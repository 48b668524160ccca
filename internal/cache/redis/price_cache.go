package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// PriceCache implements domain.PriceCache. Each oracle ref is a hash with
// fields "value" (decimal text) and "ts" (Unix nanoseconds).
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

// SetPrice stores the latest value of ref.
func (pc *PriceCache) SetPrice(ctx context.Context, ref string, value decimal.Decimal, ts time.Time) error {
	fields := map[string]any{
		"value": value.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.c.Key("oracle", ref), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", ref, err)
	}
	return nil
}

// GetPrice returns the latest value of ref and when it was set, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, ref string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.Key("oracle", ref)).Result()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: get price %s: %w", ref, err)
	}
	raw, ok := vals["value"]
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: price %s: %w", ref, domain.ErrNotFound)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: parse price %s: %w", ref, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", ref, err)
	}
	return value, time.Unix(0, tsNano).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
