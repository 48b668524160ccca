package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CheckpointKind records which event created a checkpoint.
type CheckpointKind string

const (
	CheckpointGenesis      CheckpointKind = "genesis"
	CheckpointTraderFund   CheckpointKind = "trader_fund"
	CheckpointFollowerFund CheckpointKind = "follower_fund"
	CheckpointWager        CheckpointKind = "wager"
)

// Checkpoint is an immutable snapshot of a vault's total pooled funds. A new
// checkpoint is created whenever funds are added and whenever a wager is
// placed; wager checkpoints carry a zero delta and pin the pool composition
// used for that wager's payouts.
type Checkpoint struct {
	ID        uint64
	TotalPool uint256.Int
	Delta     uint256.Int
	Kind      CheckpointKind
	Account   common.Address // contributor; zero for genesis and wager checkpoints
	CreatedAt time.Time
}

// Follower is a non-trader account contributing funds to a vault.
type Follower struct {
	Address          common.Address
	Contributed      uint256.Int
	JoinCheckpointID uint64 // checkpoint created by the most recent contribution
	JoinedAt         time.Time
}

// Settlement records a single (account, wager) payout.
type Settlement struct {
	Account   common.Address
	Amount    uint256.Int
	RelayedBy common.Address // zero when the account claimed for itself
	SettledAt time.Time
}

// Wager is one stake of pooled funds on a condition outcome. Only the
// redemption and settlement fields change after placement.
type Wager struct {
	Index         int
	ConditionID   uint64
	Outcome       Outcome
	StakeAmount   uint256.Int
	Unstaked      uint256.Int // pool at the checkpoint minus StakeAmount
	CheckpointID  uint64
	InstrumentRef string
	PlacedAt      time.Time

	Redeemed bool
	Payout   uint256.Int // vault-wide payout once redeemed; zero on a loss
	Settled  map[common.Address]Settlement
}

// Clone returns a deep copy so callers cannot mutate ledger state.
func (w Wager) Clone() Wager {
	out := w
	out.Settled = make(map[common.Address]Settlement, len(w.Settled))
	for k, v := range w.Settled {
		out.Settled[k] = v
	}
	return out
}

// WagerStatus is the lifecycle state of a wager.
type WagerStatus string

const (
	// WagerPlaced means the condition has not resolved yet.
	WagerPlaced WagerStatus = "placed"
	// WagerExpired is a placed wager whose condition is past its settlement
	// window without resolving.
	WagerExpired WagerStatus = "expired"
	// WagerClaimable means the condition resolved and at least one
	// participant has not claimed.
	WagerClaimable WagerStatus = "claimable"
	// WagerSettled means every participant has claimed.
	WagerSettled WagerStatus = "settled"
)

// StakePolicy selects how PlaceWager sizes a wager against the pool.
type StakePolicy string

const (
	// StakeFullPool requires every wager to stake exactly the vault's
	// current total pool.
	StakeFullPool StakePolicy = "full_pool"
	// StakePartial allows any amount up to the current total pool. The
	// remainder stays in the vault and is recorded on the wager as Unstaked.
	StakePartial StakePolicy = "partial"
)

// VaultInfo is the immutable identity of a vault.
type VaultInfo struct {
	ID         string
	Name       string
	StrategyID string
	Trader     common.Address
	Policy     StakePolicy
	CreatedAt  time.Time
}
