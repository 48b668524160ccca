// Package oracle provides the price sources conditions resolve against.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// Fixed serves values set explicitly, per oracle ref. It is the oracle used
// by tests and by deployments where an operator posts reference values.
type Fixed struct {
	mu     sync.RWMutex
	values map[string]decimal.Decimal
}

// NewFixed returns an oracle seeded with values.
func NewFixed(values map[string]decimal.Decimal) *Fixed {
	f := &Fixed{values: make(map[string]decimal.Decimal, len(values))}
	for k, v := range values {
		f.values[k] = v
	}
	return f
}

// Set replaces the value of ref.
func (f *Fixed) Set(ref string, value decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[ref] = value
}

// Publish is Set with the signature of Cached.Publish.
func (f *Fixed) Publish(_ context.Context, ref string, value decimal.Decimal) error {
	f.Set(ref, value)
	return nil
}

// Price implements domain.PriceOracle.
func (f *Fixed) Price(_ context.Context, ref string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[ref]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("oracle: price %s: %w", ref, domain.ErrNotFound)
	}
	return v, nil
}

// ErrStale is returned by Cached when the newest value is older than the
// configured maximum age.
var ErrStale = errors.New("oracle: stale price")

// Cached reads values from a shared price cache fed by an external
// publisher, rejecting values older than maxAge.
type Cached struct {
	cache  domain.PriceCache
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCached creates a cache-backed oracle. maxAge <= 0 disables the
// staleness check.
func NewCached(cache domain.PriceCache, maxAge time.Duration, clock func() time.Time, logger *slog.Logger) *Cached {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		cache:  cache,
		maxAge: maxAge,
		now:    clock,
		logger: logger.With(slog.String("component", "oracle")),
	}
}

// Price implements domain.PriceOracle.
func (c *Cached) Price(ctx context.Context, ref string) (decimal.Decimal, error) {
	v, ts, err := c.cache.GetPrice(ctx, ref)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("oracle: price %s: %w", ref, err)
	}
	if c.maxAge > 0 && c.now().Sub(ts) > c.maxAge {
		c.logger.WarnContext(ctx, "stale oracle price",
			slog.String("ref", ref),
			slog.Time("updated_at", ts),
			slog.Duration("max_age", c.maxAge),
		)
		return decimal.Decimal{}, fmt.Errorf("%w: %s updated %s", ErrStale, ref, ts.Format(time.RFC3339))
	}
	return v, nil
}

// Publish posts a value to the cache; the HTTP oracle endpoint uses it.
func (c *Cached) Publish(ctx context.Context, ref string, value decimal.Decimal) error {
	if err := c.cache.SetPrice(ctx, ref, value, c.now()); err != nil {
		return fmt.Errorf("oracle: publish %s: %w", ref, err)
	}
	return nil
}
