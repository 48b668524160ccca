package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// ConditionStore implements domain.ConditionStore using PostgreSQL. Amounts
// are NUMERIC(78,0) columns exchanged as decimal text.
type ConditionStore struct {
	pool *pgxpool.Pool
}

// NewConditionStore creates a new ConditionStore backed by the given connection pool.
func NewConditionStore(pool *pgxpool.Pool) *ConditionStore {
	return &ConditionStore{pool: pool}
}

// UpsertCondition inserts or updates a condition.
func (s *ConditionStore) UpsertCondition(ctx context.Context, c domain.Condition) error {
	const query = `
		INSERT INTO conditions (
			id, oracle_ref, settlement_time, trigger_value, market_label,
			resolved, outcome, resolved_value, high_pool, low_pool,
			created_at, resolved_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5,
			$6, $7, $8::numeric, $9::numeric, $10::numeric,
			$11, $12
		)
		ON CONFLICT (id) DO UPDATE SET
			resolved       = EXCLUDED.resolved,
			outcome        = EXCLUDED.outcome,
			resolved_value = EXCLUDED.resolved_value,
			high_pool      = EXCLUDED.high_pool,
			low_pool       = EXCLUDED.low_pool,
			resolved_at    = EXCLUDED.resolved_at`

	var resolvedValue *string
	if c.Resolved {
		v := c.ResolvedValue.String()
		resolvedValue = &v
	}
	_, err := s.pool.Exec(ctx, query,
		int64(c.ID), c.OracleRef, c.SettlementTime, c.TriggerValue.String(), c.MarketLabel,
		c.Resolved, int16(c.Outcome), resolvedValue, c.HighPool.Dec(), c.LowPool.Dec(),
		c.CreatedAt, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert condition %d: %w", c.ID, err)
	}
	return nil
}

// ListConditions returns every condition ordered by id.
func (s *ConditionStore) ListConditions(ctx context.Context) ([]domain.Condition, error) {
	const query = `
		SELECT id, oracle_ref, settlement_time, trigger_value::text, market_label,
			resolved, outcome, resolved_value::text, high_pool::text, low_pool::text,
			created_at, resolved_at
		FROM conditions ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conditions: %w", err)
	}
	defer rows.Close()

	var out []domain.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list conditions rows: %w", err)
	}
	return out, nil
}

func scanCondition(row pgx.Row) (domain.Condition, error) {
	var (
		c                 domain.Condition
		id                int64
		outcome           int16
		trigger           string
		resolvedValue     *string
		highPool, lowPool string
		resolvedAt        *time.Time
	)
	err := row.Scan(&id, &c.OracleRef, &c.SettlementTime, &trigger, &c.MarketLabel,
		&c.Resolved, &outcome, &resolvedValue, &highPool, &lowPool,
		&c.CreatedAt, &resolvedAt)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: scan condition: %w", err)
	}
	c.ID = uint64(id)
	c.Outcome = domain.Outcome(outcome)
	c.ResolvedAt = resolvedAt
	if c.TriggerValue, err = decimal.NewFromString(trigger); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: condition %d trigger: %w", id, err)
	}
	if resolvedValue != nil {
		if c.ResolvedValue, err = decimal.NewFromString(*resolvedValue); err != nil {
			return domain.Condition{}, fmt.Errorf("postgres: condition %d resolved value: %w", id, err)
		}
	}
	if c.HighPool, err = domain.ParseAmount(highPool); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: condition %d high pool: %w", id, err)
	}
	if c.LowPool, err = domain.ParseAmount(lowPool); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: condition %d low pool: %w", id, err)
	}
	return c, nil
}

// UpsertInstrument inserts or updates a claim instrument.
func (s *ConditionStore) UpsertInstrument(ctx context.Context, in domain.Instrument) error {
	const query = `
		INSERT INTO instruments (ref, condition_id, outcome, holder, amount, redeemed, payout, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8)
		ON CONFLICT (ref) DO UPDATE SET redeemed = EXCLUDED.redeemed, payout = EXCLUDED.payout`
	_, err := s.pool.Exec(ctx, query,
		in.Ref, int64(in.ConditionID), int16(in.Outcome), in.Holder, in.Amount.Dec(), in.Redeemed, in.Payout.Dec(), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert instrument %s: %w", in.Ref, err)
	}
	return nil
}

// ListInstruments returns every instrument.
func (s *ConditionStore) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	const query = `
		SELECT ref, condition_id, outcome, holder, amount::text, redeemed, payout::text, created_at
		FROM instruments ORDER BY condition_id, created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var (
			in      domain.Instrument
			condID  int64
			outcome int16
			amount  string
			payout  string
		)
		if err := rows.Scan(&in.Ref, &condID, &outcome, &in.Holder, &amount, &in.Redeemed, &payout, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan instrument: %w", err)
		}
		in.ConditionID = uint64(condID)
		in.Outcome = domain.Outcome(outcome)
		if in.Amount, err = domain.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("postgres: instrument %s amount: %w", in.Ref, err)
		}
		if in.Payout, err = domain.ParseAmount(payout); err != nil {
			return nil, fmt.Errorf("postgres: instrument %s payout: %w", in.Ref, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list instruments rows: %w", err)
	}
	return out, nil
}
