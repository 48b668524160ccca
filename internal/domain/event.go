package domain

import (
	"encoding/json"
	"time"
)

// EventType names an entry in a vault's journal.
type EventType string

const (
	EventVaultOpened   EventType = "vault_opened"
	EventFundsAdded    EventType = "funds_added"
	EventWagerPlaced   EventType = "wager_placed"
	EventWagerRedeemed EventType = "wager_redeemed"
	EventClaimSettled  EventType = "claim_settled"
)

// Event is one committed entry of a vault's append-only journal. Seq starts
// at 1 and has no gaps; replaying a journal in Seq order rebuilds the vault.
type Event struct {
	VaultID   string          `json:"vault_id"`
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Amounts are carried as decimal strings so journals stay readable and
// portable across stores.

type VaultOpenedPayload struct {
	Name        string      `json:"name"`
	StrategyID  string      `json:"strategy_id"`
	Trader      string      `json:"trader"`
	Policy      StakePolicy `json:"policy"`
	OpeningFund string      `json:"opening_fund"`
}

type FundsAddedPayload struct {
	Account      string `json:"account"`
	Trader       bool   `json:"trader"`
	Amount       string `json:"amount"`
	CheckpointID uint64 `json:"checkpoint_id"`
}

type WagerPlacedPayload struct {
	Index         int     `json:"index"`
	ConditionID   uint64  `json:"condition_id"`
	Outcome       Outcome `json:"outcome"`
	Amount        string  `json:"amount"`
	CheckpointID  uint64  `json:"checkpoint_id"`
	InstrumentRef string  `json:"instrument_ref"`
}

type WagerRedeemedPayload struct {
	Index  int    `json:"index"`
	Payout string `json:"payout"`
}

type ClaimSettledPayload struct {
	Index     int    `json:"index"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	RelayedBy string `json:"relayed_by,omitempty"`
}
