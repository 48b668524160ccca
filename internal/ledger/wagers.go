package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// WagerLog is the append-only list of a vault's wagers. Entries are never
// removed; only redemption and settlement flags change.
type WagerLog struct {
	wagers []domain.Wager
	staked uint256.Int
}

// NewWagerLog returns an empty log.
func NewWagerLog() *WagerLog {
	return &WagerLog{}
}

// Append adds w and returns its index.
func (l *WagerLog) Append(w domain.Wager) (int, error) {
	staked, overflow := new(uint256.Int).AddOverflow(&l.staked, &w.StakeAmount)
	if overflow {
		return 0, fmt.Errorf("ledger: staked total overflow: %w", domain.ErrInvalidAmount)
	}
	w.Index = len(l.wagers)
	if w.Settled == nil {
		w.Settled = make(map[common.Address]domain.Settlement)
	}
	l.wagers = append(l.wagers, w)
	l.staked = *staked
	return w.Index, nil
}

// Get returns a copy of the wager at index i.
func (l *WagerLog) Get(i int) (domain.Wager, error) {
	if i < 0 || i >= len(l.wagers) {
		return domain.Wager{}, fmt.Errorf("ledger: wager %d: %w", i, domain.ErrNotFound)
	}
	return l.wagers[i].Clone(), nil
}

// IsSettled reports whether addr has already been paid for wager i.
func (l *WagerLog) IsSettled(i int, addr common.Address) bool {
	if i < 0 || i >= len(l.wagers) {
		return false
	}
	_, ok := l.wagers[i].Settled[addr]
	return ok
}

// MarkRedeemed caches the vault-wide payout of wager i.
func (l *WagerLog) MarkRedeemed(i int, payout uint256.Int) error {
	if i < 0 || i >= len(l.wagers) {
		return fmt.Errorf("ledger: wager %d: %w", i, domain.ErrNotFound)
	}
	if l.wagers[i].Redeemed {
		return fmt.Errorf("ledger: wager %d: %w", i, domain.ErrAlreadyRedeemed)
	}
	l.wagers[i].Redeemed = true
	l.wagers[i].Payout = payout
	return nil
}

// MarkSettled sets the settlement flag of s.Account for wager i.
func (l *WagerLog) MarkSettled(i int, s domain.Settlement) error {
	if i < 0 || i >= len(l.wagers) {
		return fmt.Errorf("ledger: wager %d: %w", i, domain.ErrNotFound)
	}
	if _, ok := l.wagers[i].Settled[s.Account]; ok {
		return fmt.Errorf("ledger: wager %d account %s: %w", i, s.Account.Hex(), domain.ErrAlreadySettled)
	}
	l.wagers[i].Settled[s.Account] = s
	return nil
}

// All returns copies of every wager in placement order.
func (l *WagerLog) All() []domain.Wager {
	out := make([]domain.Wager, 0, len(l.wagers))
	for _, w := range l.wagers {
		out = append(out, w.Clone())
	}
	return out
}

// ByCondition returns the indices of wagers placed on conditionID.
func (l *WagerLog) ByCondition(conditionID uint64) []int {
	var out []int
	for _, w := range l.wagers {
		if w.ConditionID == conditionID {
			out = append(out, w.Index)
		}
	}
	return out
}

// TotalStaked returns the sum of all stakes ever placed.
func (l *WagerLog) TotalStaked() uint256.Int {
	return l.staked
}

// Len returns the number of wagers.
func (l *WagerLog) Len() int {
	return len(l.wagers)
}
