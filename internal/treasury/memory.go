package treasury

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// MemoryCredits is a process-local domain.CreditStore.
type MemoryCredits struct {
	mu       sync.Mutex
	refs     map[string]struct{}
	credits  map[common.Address][]domain.Credit
	balances map[common.Address]uint256.Int
}

// NewMemoryCredits returns an empty store.
func NewMemoryCredits() *MemoryCredits {
	return &MemoryCredits{
		refs:     make(map[string]struct{}),
		credits:  make(map[common.Address][]domain.Credit),
		balances: make(map[common.Address]uint256.Int),
	}
}

func (m *MemoryCredits) AddCredit(_ context.Context, c domain.Credit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[c.Ref]; ok {
		return false, nil
	}
	bal := m.balances[c.Account]
	if _, overflow := bal.AddOverflow(&bal, &c.Amount); overflow {
		return false, fmt.Errorf("treasury: balance overflow for %s: %w", c.Account.Hex(), domain.ErrInvalidAmount)
	}
	m.refs[c.Ref] = struct{}{}
	m.balances[c.Account] = bal
	m.credits[c.Account] = append(m.credits[c.Account], c)
	return true, nil
}

func (m *MemoryCredits) Balance(_ context.Context, account common.Address) (uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *MemoryCredits) ListCredits(_ context.Context, account common.Address, opts domain.ListOpts) ([]domain.Credit, error) {
	m.mu.Lock()
	all := append([]domain.Credit(nil), m.credits[account]...)
	m.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if opts.Offset >= len(all) {
		return nil, nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, nil
}
