package handler

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/ledger"
	"github.com/alanyoungcy/copyvault/internal/vault"
)

// JSON views. Amounts are rendered as decimal strings of base units.

type checkpointView struct {
	ID        uint64    `json:"id"`
	TotalPool string    `json:"total_pool"`
	Delta     string    `json:"delta"`
	Kind      string    `json:"kind"`
	Account   string    `json:"account,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newCheckpointView(cp domain.Checkpoint) checkpointView {
	v := checkpointView{
		ID:        cp.ID,
		TotalPool: cp.TotalPool.Dec(),
		Delta:     cp.Delta.Dec(),
		Kind:      string(cp.Kind),
		CreatedAt: cp.CreatedAt,
	}
	if cp.Account != (common.Address{}) {
		v.Account = cp.Account.Hex()
	}
	return v
}

type vaultView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	StrategyID   string         `json:"strategy_id"`
	Trader       string         `json:"trader"`
	Policy       string         `json:"policy"`
	CreatedAt    time.Time      `json:"created_at"`
	Seq          uint64         `json:"seq"`
	TotalPool    string         `json:"total_pool"`
	TraderFund   string         `json:"trader_fund"`
	FollowerFund string         `json:"follower_fund"`
	Staked       string         `json:"staked"`
	Latest       checkpointView `json:"latest_checkpoint"`
	Followers    int            `json:"followers"`
	Wagers       int            `json:"wagers"`
}

func newVaultView(s vault.Snapshot) vaultView {
	return vaultView{
		ID:           s.Info.ID,
		Name:         s.Info.Name,
		StrategyID:   s.Info.StrategyID,
		Trader:       s.Info.Trader.Hex(),
		Policy:       string(s.Info.Policy),
		CreatedAt:    s.Info.CreatedAt,
		Seq:          s.Seq,
		TotalPool:    s.TotalPool.Dec(),
		TraderFund:   s.TraderFund.Dec(),
		FollowerFund: s.FollowerFund.Dec(),
		Staked:       s.Staked.Dec(),
		Latest:       newCheckpointView(s.Latest),
		Followers:    s.Followers,
		Wagers:       s.Wagers,
	}
}

type settlementView struct {
	Account   string    `json:"account"`
	Amount    string    `json:"amount"`
	RelayedBy string    `json:"relayed_by,omitempty"`
	SettledAt time.Time `json:"settled_at"`
}

func newSettlementView(st domain.Settlement) settlementView {
	v := settlementView{
		Account:   st.Account.Hex(),
		Amount:    st.Amount.Dec(),
		SettledAt: st.SettledAt,
	}
	if st.RelayedBy != (common.Address{}) {
		v.RelayedBy = st.RelayedBy.Hex()
	}
	return v
}

type wagerView struct {
	Index         int              `json:"index"`
	ConditionID   uint64           `json:"condition_id"`
	Outcome       domain.Outcome   `json:"outcome"`
	StakeAmount   string           `json:"stake_amount"`
	Unstaked      string           `json:"unstaked"`
	CheckpointID  uint64           `json:"checkpoint_id"`
	InstrumentRef string           `json:"instrument_ref"`
	PlacedAt      time.Time        `json:"placed_at"`
	Redeemed      bool             `json:"redeemed"`
	Payout        string           `json:"payout"`
	Status        string           `json:"status,omitempty"`
	Instrument    *instrumentView  `json:"instrument,omitempty"`
	Settlements   []settlementView `json:"settlements"`
}

// instrumentView is the market's record of a wager's claim instrument.
type instrumentView struct {
	Redeemed bool   `json:"redeemed"`
	Payout   string `json:"payout"`
}

func newWagerView(w domain.Wager) wagerView {
	v := wagerView{
		Index:         w.Index,
		ConditionID:   w.ConditionID,
		Outcome:       w.Outcome,
		StakeAmount:   w.StakeAmount.Dec(),
		Unstaked:      w.Unstaked.Dec(),
		CheckpointID:  w.CheckpointID,
		InstrumentRef: w.InstrumentRef,
		PlacedAt:      w.PlacedAt,
		Redeemed:      w.Redeemed,
		Payout:        w.Payout.Dec(),
		Settlements:   make([]settlementView, 0, len(w.Settled)),
	}
	for _, st := range w.Settled {
		v.Settlements = append(v.Settlements, newSettlementView(st))
	}
	return v
}

type historyView struct {
	CheckpointID uint64 `json:"checkpoint_id"`
	Cumulative   string `json:"cumulative"`
}

type followerView struct {
	Address          string        `json:"address"`
	Contributed      string        `json:"contributed"`
	JoinCheckpointID uint64        `json:"join_checkpoint_id"`
	JoinedAt         time.Time     `json:"joined_at"`
	History          []historyView `json:"history"`
}

func newFollowerView(f domain.Follower, history []ledger.HistoryEntry) followerView {
	v := followerView{
		Address:          f.Address.Hex(),
		Contributed:      f.Contributed.Dec(),
		JoinCheckpointID: f.JoinCheckpointID,
		JoinedAt:         f.JoinedAt,
		History:          make([]historyView, 0, len(history)),
	}
	for _, h := range history {
		v.History = append(v.History, historyView{CheckpointID: h.CheckpointID, Cumulative: h.Cumulative.Dec()})
	}
	return v
}

type conditionView struct {
	ID             uint64         `json:"id"`
	OracleRef      string         `json:"oracle_ref"`
	SettlementTime time.Time      `json:"settlement_time"`
	TriggerValue   string         `json:"trigger_value"`
	MarketLabel    string         `json:"market_label"`
	Resolved       bool           `json:"resolved"`
	Outcome        domain.Outcome `json:"outcome,omitempty"`
	ResolvedValue  string         `json:"resolved_value,omitempty"`
	HighPool       string         `json:"high_pool"`
	LowPool        string         `json:"low_pool"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

func newConditionView(c domain.Condition) conditionView {
	v := conditionView{
		ID:             c.ID,
		OracleRef:      c.OracleRef,
		SettlementTime: c.SettlementTime,
		TriggerValue:   c.TriggerValue.String(),
		MarketLabel:    c.MarketLabel,
		Resolved:       c.Resolved,
		HighPool:       c.HighPool.Dec(),
		LowPool:        c.LowPool.Dec(),
		CreatedAt:      c.CreatedAt,
		ResolvedAt:     c.ResolvedAt,
	}
	if c.Resolved {
		v.Outcome = c.Outcome
		v.ResolvedValue = c.ResolvedValue.String()
	}
	return v
}

type creditView struct {
	Ref       string    `json:"ref"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func newCreditView(c domain.Credit) creditView {
	return creditView{Ref: c.Ref, Amount: c.Amount.Dec(), CreatedAt: c.CreatedAt}
}
