package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// VaultStore implements domain.VaultStore using PostgreSQL.
type VaultStore struct {
	pool *pgxpool.Pool
}

// NewVaultStore creates a new VaultStore backed by the given connection pool.
func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

// Create inserts a vault identity. A duplicate id returns domain.ErrAlreadyExists.
func (s *VaultStore) Create(ctx context.Context, v domain.VaultInfo) error {
	const query = `
		INSERT INTO vaults (id, name, strategy_id, trader, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		v.ID, v.Name, v.StrategyID, v.Trader.Hex(), string(v.Policy), v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create vault %s: %w", v.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create vault %s: %w", v.ID, err)
	}
	return nil
}

// GetByID returns the vault with the given id.
func (s *VaultStore) GetByID(ctx context.Context, id string) (domain.VaultInfo, error) {
	const query = `
		SELECT id, name, strategy_id, trader, policy, created_at
		FROM vaults WHERE id = $1`
	v, err := scanVault(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VaultInfo{}, fmt.Errorf("postgres: vault %s: %w", id, domain.ErrNotFound)
		}
		return domain.VaultInfo{}, fmt.Errorf("postgres: get vault %s: %w", id, err)
	}
	return v, nil
}

// List returns vaults ordered by creation time.
func (s *VaultStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.VaultInfo, error) {
	query := `SELECT id, name, strategy_id, trader, policy, created_at FROM vaults WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vaults: %w", err)
	}
	defer rows.Close()

	var out []domain.VaultInfo
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vault: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list vaults rows: %w", err)
	}
	return out, nil
}

func scanVault(row pgx.Row) (domain.VaultInfo, error) {
	var v domain.VaultInfo
	var trader, policy string
	if err := row.Scan(&v.ID, &v.Name, &v.StrategyID, &trader, &policy, &v.CreatedAt); err != nil {
		return domain.VaultInfo{}, err
	}
	v.Trader = common.HexToAddress(trader)
	v.Policy = domain.StakePolicy(policy)
	return v, nil
}
