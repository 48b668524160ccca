package vault

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/ledger"
)

// Snapshot is a consistent read of a vault's headline figures.
type Snapshot struct {
	Info         domain.VaultInfo
	Seq          uint64
	TotalPool    uint256.Int
	TraderFund   uint256.Int
	FollowerFund uint256.Int
	Staked       uint256.Int // cumulative over every wager
	Latest       domain.Checkpoint
	Followers    int
	Wagers       int
}

// shareLocked is account's fraction of w's payout: its contribution as of
// the wager checkpoint over the pool total at that checkpoint.
func (v *Vault) shareLocked(account common.Address, w domain.Wager) domain.Share {
	cp, err := v.checkpoints.At(w.CheckpointID)
	if err != nil {
		return domain.Share{}
	}
	var num uint256.Int
	if account == v.info.Trader {
		num = v.trader.At(w.CheckpointID)
	} else {
		num = v.registry.ContributedAt(account, w.CheckpointID)
	}
	return domain.Share{Numerator: num, Denominator: cp.TotalPool}
}

// Info returns the vault identity.
func (v *Vault) Info() domain.VaultInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info
}

// ID returns the vault id.
func (v *Vault) ID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.ID
}

// Seq returns the sequence number of the last applied journal entry.
func (v *Vault) Seq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seq
}

// TotalPool returns the pool total at the latest checkpoint.
func (v *Vault) TotalPool() uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkpoints.Latest().TotalPool
}

// TraderFund returns the trader's cumulative capital in the pool.
func (v *Vault) TraderFund() uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.traderFund
}

// Contributed returns the cumulative contribution of addr. For the trader
// this is the trader fund.
func (v *Vault) Contributed(addr common.Address) uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if addr == v.info.Trader {
		return v.traderFund
	}
	f, _ := v.registry.Get(addr)
	return f.Contributed
}

// ContributionHistory returns addr's cumulative contribution per checkpoint.
func (v *Vault) ContributionHistory(addr common.Address) []ledger.HistoryEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	if addr == v.info.Trader {
		return v.trader.Entries()
	}
	return v.registry.History(addr)
}

// Follower returns the registry record of addr.
func (v *Vault) Follower(addr common.Address) (domain.Follower, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.registry.Get(addr)
	if !ok {
		return domain.Follower{}, fmt.Errorf("vault: follower %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return f, nil
}

// Followers returns every follower in join order.
func (v *Vault) Followers() []domain.Follower {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registry.Followers()
}

// Checkpoint returns the checkpoint with the given id.
func (v *Vault) Checkpoint(id uint64) (domain.Checkpoint, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp, err := v.checkpoints.At(id)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("vault: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent checkpoint.
func (v *Vault) LatestCheckpoint() domain.Checkpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkpoints.Latest()
}

// Checkpoints returns the whole checkpoint chain.
func (v *Vault) Checkpoints() []domain.Checkpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkpoints.All()
}

// Wager returns the wager at index i.
func (v *Vault) Wager(i int) (domain.Wager, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, err := v.wagers.Get(i)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("vault: %w", err)
	}
	return w, nil
}

// Wagers returns every wager in placement order.
func (v *Vault) Wagers() []domain.Wager {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wagers.All()
}

// WagersOn returns the indices of wagers placed on conditionID.
func (v *Vault) WagersOn(conditionID uint64) []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wagers.ByCondition(conditionID)
}

// Share returns addr's pinned fraction of wager i.
func (v *Vault) Share(addr common.Address, i int) (domain.Share, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, err := v.wagers.Get(i)
	if err != nil {
		return domain.Share{}, fmt.Errorf("vault: %w", err)
	}
	return v.shareLocked(addr, w), nil
}

// Entitlement returns what addr would receive from wager i given its
// redeemed payout. ok is false while the wager has not been redeemed.
func (v *Vault) Entitlement(addr common.Address, i int) (amount uint256.Int, ok bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, err := v.wagers.Get(i)
	if err != nil {
		return uint256.Int{}, false, fmt.Errorf("vault: %w", err)
	}
	if !w.Redeemed {
		return uint256.Int{}, false, nil
	}
	return v.shareLocked(addr, w).Apply(w.Payout), true, nil
}

// Participants returns every account with a non-zero share of wager i: the
// trader first, then followers in join order.
func (v *Vault) Participants(i int) ([]common.Address, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, err := v.wagers.Get(i)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return v.participantsLocked(w), nil
}

func (v *Vault) participantsLocked(w domain.Wager) []common.Address {
	var out []common.Address
	if fund := v.trader.At(w.CheckpointID); !fund.IsZero() {
		out = append(out, v.info.Trader)
	}
	return append(out, v.registry.Participants(w.CheckpointID)...)
}

// WagerStatus classifies wager i against the current state of its
// condition. A wager whose condition is still unresolved grace after the
// settlement time is reported as expired rather than placed.
func (v *Vault) WagerStatus(i int, cond domain.Condition, now time.Time, grace time.Duration) (domain.WagerStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, err := v.wagers.Get(i)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	if cond.ID != w.ConditionID {
		return "", fmt.Errorf("vault: wager %d is on condition %d, got %d", i, w.ConditionID, cond.ID)
	}
	if !cond.Resolved {
		if !cond.SettlementTime.IsZero() && now.After(cond.SettlementTime.Add(grace)) {
			return domain.WagerExpired, nil
		}
		return domain.WagerPlaced, nil
	}
	for _, addr := range v.participantsLocked(w) {
		if _, ok := w.Settled[addr]; !ok {
			return domain.WagerClaimable, nil
		}
	}
	return domain.WagerSettled, nil
}

// Snapshot returns the vault's headline figures under one lock.
func (v *Vault) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	latest := v.checkpoints.Latest()
	return Snapshot{
		Info:         v.info,
		Seq:          v.seq,
		TotalPool:    latest.TotalPool,
		TraderFund:   v.traderFund,
		FollowerFund: v.registry.Total(),
		Staked:       v.wagers.TotalStaked(),
		Latest:       latest,
		Followers:    v.registry.Len(),
		Wagers:       v.wagers.Len(),
	}
}
