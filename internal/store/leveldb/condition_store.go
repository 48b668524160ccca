package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// Amounts are stored as decimal strings; uint256 values have no stable
// JSON form of their own.
type conditionRecord struct {
	ID             uint64          `json:"id"`
	OracleRef      string          `json:"oracle_ref"`
	SettlementTime time.Time       `json:"settlement_time"`
	TriggerValue   decimal.Decimal `json:"trigger_value"`
	MarketLabel    string          `json:"market_label"`
	Resolved       bool            `json:"resolved"`
	Outcome        domain.Outcome  `json:"outcome"`
	ResolvedValue  decimal.Decimal `json:"resolved_value"`
	HighPool       string          `json:"high_pool"`
	LowPool        string          `json:"low_pool"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

type instrumentRecord struct {
	Ref         string         `json:"ref"`
	ConditionID uint64         `json:"condition_id"`
	Outcome     domain.Outcome `json:"outcome"`
	Holder      string         `json:"holder"`
	Amount      string         `json:"amount"`
	Redeemed    bool           `json:"redeemed"`
	Payout      string         `json:"payout,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ConditionStore implements domain.ConditionStore.
type ConditionStore struct {
	db *DB
}

// NewConditionStore returns a ConditionStore on db.
func NewConditionStore(db *DB) *ConditionStore {
	return &ConditionStore{db: db}
}

// UpsertCondition writes c.
func (s *ConditionStore) UpsertCondition(_ context.Context, c domain.Condition) error {
	raw, err := json.Marshal(conditionRecord{
		ID:             c.ID,
		OracleRef:      c.OracleRef,
		SettlementTime: c.SettlementTime,
		TriggerValue:   c.TriggerValue,
		MarketLabel:    c.MarketLabel,
		Resolved:       c.Resolved,
		Outcome:        c.Outcome,
		ResolvedValue:  c.ResolvedValue,
		HighPool:       c.HighPool.Dec(),
		LowPool:        c.LowPool.Dec(),
		CreatedAt:      c.CreatedAt,
		ResolvedAt:     c.ResolvedAt,
	})
	if err != nil {
		return fmt.Errorf("leveldb: marshal condition %d: %w", c.ID, err)
	}
	if err := s.db.conn.Put(conditionKey(c.ID), raw, nil); err != nil {
		return fmt.Errorf("leveldb: upsert condition %d: %w", c.ID, err)
	}
	return nil
}

// ListConditions returns every condition ordered by id.
func (s *ConditionStore) ListConditions(_ context.Context) ([]domain.Condition, error) {
	iter := s.db.conn.NewIterator(util.BytesPrefix([]byte(prefixCondition)), nil)
	defer iter.Release()

	var out []domain.Condition
	for iter.Next() {
		var r conditionRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("leveldb: decode condition: %w", err)
		}
		high, err := domain.ParseAmount(r.HighPool)
		if err != nil {
			return nil, fmt.Errorf("leveldb: condition %d high pool: %w", r.ID, err)
		}
		low, err := domain.ParseAmount(r.LowPool)
		if err != nil {
			return nil, fmt.Errorf("leveldb: condition %d low pool: %w", r.ID, err)
		}
		out = append(out, domain.Condition{
			ID:             r.ID,
			OracleRef:      r.OracleRef,
			SettlementTime: r.SettlementTime,
			TriggerValue:   r.TriggerValue,
			MarketLabel:    r.MarketLabel,
			Resolved:       r.Resolved,
			Outcome:        r.Outcome,
			ResolvedValue:  r.ResolvedValue,
			HighPool:       high,
			LowPool:        low,
			CreatedAt:      r.CreatedAt,
			ResolvedAt:     r.ResolvedAt,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list conditions: %w", err)
	}
	return out, nil
}

// UpsertInstrument writes in.
func (s *ConditionStore) UpsertInstrument(_ context.Context, in domain.Instrument) error {
	var payout string
	if in.Redeemed {
		payout = in.Payout.Dec()
	}
	raw, err := json.Marshal(instrumentRecord{
		Ref:         in.Ref,
		ConditionID: in.ConditionID,
		Outcome:     in.Outcome,
		Holder:      in.Holder,
		Amount:      in.Amount.Dec(),
		Redeemed:    in.Redeemed,
		Payout:      payout,
		CreatedAt:   in.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("leveldb: marshal instrument %s: %w", in.Ref, err)
	}
	if err := s.db.conn.Put([]byte(prefixInstrument+in.Ref), raw, nil); err != nil {
		return fmt.Errorf("leveldb: upsert instrument %s: %w", in.Ref, err)
	}
	return nil
}

// ListInstruments returns every instrument.
func (s *ConditionStore) ListInstruments(_ context.Context) ([]domain.Instrument, error) {
	iter := s.db.conn.NewIterator(util.BytesPrefix([]byte(prefixInstrument)), nil)
	defer iter.Release()

	var out []domain.Instrument
	for iter.Next() {
		var r instrumentRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("leveldb: decode instrument: %w", err)
		}
		amount, err := domain.ParseAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("leveldb: instrument %s amount: %w", r.Ref, err)
		}
		var payout uint256.Int
		if r.Payout != "" {
			if payout, err = domain.ParseAmount(r.Payout); err != nil {
				return nil, fmt.Errorf("leveldb: instrument %s payout: %w", r.Ref, err)
			}
		}
		out = append(out, domain.Instrument{
			Ref:         r.Ref,
			ConditionID: r.ConditionID,
			Outcome:     r.Outcome,
			Holder:      r.Holder,
			Amount:      amount,
			Redeemed:    r.Redeemed,
			Payout:      payout,
			CreatedAt:   r.CreatedAt,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list instruments: %w", err)
	}
	return out, nil
}
