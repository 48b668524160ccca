package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// CreditStore implements domain.CreditStore on the treasury_credits table.
// The ref primary key makes AddCredit idempotent.
type CreditStore struct {
	pool *pgxpool.Pool
}

// NewCreditStore creates a new CreditStore backed by the given connection pool.
func NewCreditStore(pool *pgxpool.Pool) *CreditStore {
	return &CreditStore{pool: pool}
}

// AddCredit records c unless its ref is already present.
func (s *CreditStore) AddCredit(ctx context.Context, c domain.Credit) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO treasury_credits (ref, account, amount, created_at)
		VALUES (@ref, @account, @amount::numeric, @created_at)
		ON CONFLICT (ref) DO NOTHING`,
		pgx.NamedArgs{
			"ref":        c.Ref,
			"account":    c.Account.Hex(),
			"amount":     c.Amount.Dec(),
			"created_at": c.CreatedAt,
		},
	)
	if err != nil {
		return false, fmt.Errorf("postgres: add credit %s: %w", c.Ref, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Balance sums every credit to account.
func (s *CreditStore) Balance(ctx context.Context, account common.Address) (uint256.Int, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM treasury_credits WHERE account = $1`,
		account.Hex(),
	).Scan(&total)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("postgres: balance %s: %w", account.Hex(), err)
	}
	out, err := domain.ParseAmount(total)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("postgres: balance %s: %w", account.Hex(), err)
	}
	return out, nil
}

// ListCredits returns account's credits newest first.
func (s *CreditStore) ListCredits(ctx context.Context, account common.Address, opts domain.ListOpts) ([]domain.Credit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ref, amount::text, created_at FROM treasury_credits
		WHERE account = $1
		ORDER BY created_at DESC, ref
		LIMIT $2 OFFSET $3`,
		account.Hex(), limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credits %s: %w", account.Hex(), err)
	}
	defer rows.Close()

	var out []domain.Credit
	for rows.Next() {
		var (
			c      = domain.Credit{Account: account}
			amount string
			at     time.Time
		)
		if err := rows.Scan(&c.Ref, &amount, &at); err != nil {
			return nil, fmt.Errorf("postgres: scan credit: %w", err)
		}
		if c.Amount, err = domain.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("postgres: credit %s amount: %w", c.Ref, err)
		}
		c.CreatedAt = at
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list credits rows: %w", err)
	}
	return out, nil
}
