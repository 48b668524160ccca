package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Condition is an external binary-outcome market instance. Once Resolved is
// set the condition never changes again.
type Condition struct {
	ID             uint64
	OracleRef      string
	SettlementTime time.Time
	TriggerValue   decimal.Decimal
	MarketLabel    string
	Resolved       bool
	Outcome        Outcome
	ResolvedValue  decimal.Decimal
	HighPool       uint256.Int
	LowPool        uint256.Int
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// Pool returns the stake held on one side of the condition.
func (c Condition) Pool(o Outcome) uint256.Int {
	if o == OutcomeHigh {
		return c.HighPool
	}
	return c.LowPool
}

// Instrument is a claim on one side of a condition's collateral pool,
// minted on stake and redeemable once after resolution. Payout is recorded
// at redemption so a repeated Redeem returns the same amount.
type Instrument struct {
	Ref         string
	ConditionID uint64
	Outcome     Outcome
	Holder      string
	Amount      uint256.Int
	Redeemed    bool
	Payout      uint256.Int
	CreatedAt   time.Time
}

// ConditionLedger is the market the vault wagers against. It is shared by
// every vault.
type ConditionLedger interface {
	PrepareCondition(ctx context.Context, oracleRef string, settlementTime time.Time, triggerValue decimal.Decimal, marketLabel string) (uint64, error)
	Stake(ctx context.Context, conditionID uint64, outcome Outcome, holder string, amount uint256.Int) (string, error)
	ConditionInfo(ctx context.Context, conditionID uint64) (Condition, error)
	// Redeem returns the instrument's payout. Redeeming twice returns the
	// recorded payout again without moving collateral.
	Redeem(ctx context.Context, instrumentRef string) (uint256.Int, error)
}

// PriceOracle supplies the reference value used to resolve a condition.
type PriceOracle interface {
	Price(ctx context.Context, oracleRef string) (decimal.Decimal, error)
}

// Treasury moves payout collateral to an account. Transfer is idempotent on
// ref: a ref that was already credited is accepted without crediting again.
type Treasury interface {
	Transfer(ctx context.Context, ref string, to common.Address, amount uint256.Int) error
}

// PayoutRef identifies the transfer paying account for wager index of a
// vault.
func PayoutRef(vaultID string, index int, account common.Address) string {
	return fmt.Sprintf("payout:%s:%d:%s", vaultID, index, strings.ToLower(account.Hex()))
}

// Credit is one treasury transfer.
type Credit struct {
	Ref       string
	Account   common.Address
	Amount    uint256.Int
	CreatedAt time.Time
}
