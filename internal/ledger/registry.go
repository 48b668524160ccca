package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

type followerEntry struct {
	record  domain.Follower
	history History
}

// Registry tracks every follower's cumulative contribution and its history.
type Registry struct {
	byAddr map[common.Address]*followerEntry
	order  []common.Address
	total  uint256.Int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byAddr: make(map[common.Address]*followerEntry)}
}

// Contribute adds amount to addr's contribution, recorded at checkpoint cp.
// New followers are appended in join order.
func (r *Registry) Contribute(addr common.Address, amount uint256.Int, cp uint64, at time.Time) (domain.Follower, error) {
	e, ok := r.byAddr[addr]
	if !ok {
		e = &followerEntry{record: domain.Follower{Address: addr, JoinedAt: at}}
	}
	cum, overflow := new(uint256.Int).AddOverflow(&e.record.Contributed, &amount)
	if overflow {
		return domain.Follower{}, fmt.Errorf("ledger: contribution overflow for %s: %w", addr.Hex(), domain.ErrInvalidAmount)
	}
	total, overflow := new(uint256.Int).AddOverflow(&r.total, &amount)
	if overflow {
		return domain.Follower{}, fmt.Errorf("ledger: registry total overflow: %w", domain.ErrInvalidAmount)
	}

	if !ok {
		r.byAddr[addr] = e
		r.order = append(r.order, addr)
	}
	e.record.Contributed = *cum
	e.record.JoinCheckpointID = cp
	e.history.Append(cp, *cum)
	r.total = *total
	return e.record, nil
}

// Get returns the follower record for addr.
func (r *Registry) Get(addr common.Address) (domain.Follower, bool) {
	e, ok := r.byAddr[addr]
	if !ok {
		return domain.Follower{}, false
	}
	return e.record, true
}

// ContributedAt returns addr's cumulative contribution as of checkpoint cp.
// Followers who joined after cp read as zero.
func (r *Registry) ContributedAt(addr common.Address, cp uint64) uint256.Int {
	e, ok := r.byAddr[addr]
	if !ok {
		return uint256.Int{}
	}
	return e.history.At(cp)
}

// History returns a copy of addr's contribution history.
func (r *Registry) History(addr common.Address) []HistoryEntry {
	e, ok := r.byAddr[addr]
	if !ok {
		return nil
	}
	return e.history.Entries()
}

// Followers returns all followers in join order.
func (r *Registry) Followers() []domain.Follower {
	out := make([]domain.Follower, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.byAddr[addr].record)
	}
	return out
}

// Participants returns the followers that had contributed at or before cp,
// in join order.
func (r *Registry) Participants(cp uint64) []common.Address {
	var out []common.Address
	for _, addr := range r.order {
		first, ok := r.byAddr[addr].history.First()
		if ok && first <= cp {
			out = append(out, addr)
		}
	}
	return out
}

// Total returns the sum of all followers' contributions.
func (r *Registry) Total() uint256.Int {
	return r.total
}

// Len returns the number of followers.
func (r *Registry) Len() int {
	return len(r.order)
}
