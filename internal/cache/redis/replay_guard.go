package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard with SET NX, so every node
// sharing the Redis namespace rejects a request another node already
// served.
type ReplayGuard struct {
	c *Client
}

// NewReplayGuard creates a ReplayGuard backed by the given Client.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

// FirstUse reports whether key is new and marks it seen for ttl.
func (g *ReplayGuard) FirstUse(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.Key("replay", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: replay check %s: %w", key, err)
	}
	return ok, nil
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)
