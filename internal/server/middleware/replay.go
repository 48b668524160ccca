package middleware

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryReplayGuard is a process-local domain.ReplayGuard for nodes running
// without Redis. Expired keys are dropped as new ones arrive.
type MemoryReplayGuard struct {
	seen *xsync.Map[string, time.Time]
	now  func() time.Time
}

// NewMemoryReplayGuard returns an empty guard. now defaults to time.Now.
func NewMemoryReplayGuard(now func() time.Time) *MemoryReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryReplayGuard{seen: xsync.NewMap[string, time.Time](), now: now}
}

// FirstUse reports whether key is unseen or expired, and marks it seen for
// ttl.
func (g *MemoryReplayGuard) FirstUse(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := g.now()
	first := false
	g.seen.Compute(key, func(expires time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Before(expires) {
			return expires, xsync.CancelOp
		}
		first = true
		return now.Add(ttl), xsync.UpdateOp
	})
	if first && g.seen.Size()%1024 == 0 {
		g.sweep(now)
	}
	return first, nil
}

func (g *MemoryReplayGuard) sweep(now time.Time) {
	g.seen.Range(func(key string, expires time.Time) bool {
		if !now.Before(expires) {
			g.seen.Delete(key)
		}
		return true
	})
}
