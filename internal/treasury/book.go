// Package treasury holds the payout sink vaults transfer claim proceeds to.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// Book implements domain.Treasury on a domain.CreditStore. Transfers are
// keyed by ref, so replaying a transfer after a crash credits once.
type Book struct {
	store  domain.CreditStore
	now    func() time.Time
	logger *slog.Logger
}

// NewBook returns a book writing to store. A nil store keeps credits in
// memory.
func NewBook(store domain.CreditStore, logger *slog.Logger) *Book {
	if store == nil {
		store = NewMemoryCredits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "treasury")),
	}
}

// Transfer credits amount to to under ref. A ref already credited is a
// no-op.
func (b *Book) Transfer(ctx context.Context, ref string, to common.Address, amount uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("treasury: transfer to zero address: %w", domain.ErrInvalidAmount)
	}
	if ref == "" {
		return fmt.Errorf("treasury: transfer to %s: empty ref", to.Hex())
	}
	if amount.IsZero() {
		return nil
	}

	added, err := b.store.AddCredit(ctx, domain.Credit{
		Ref:       ref,
		Account:   to,
		Amount:    amount,
		CreatedAt: b.now(),
	})
	if err != nil {
		return fmt.Errorf("treasury: transfer %s: %w", ref, err)
	}
	if !added {
		b.logger.DebugContext(ctx, "payout already credited", slog.String("ref", ref))
		return nil
	}
	b.logger.DebugContext(ctx, "payout credited",
		slog.String("ref", ref),
		slog.String("account", to.Hex()),
		slog.String("amount", amount.Dec()),
	)
	return nil
}

// Balance returns the credited balance of addr.
func (b *Book) Balance(ctx context.Context, addr common.Address) (uint256.Int, error) {
	out, err := b.store.Balance(ctx, addr)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("treasury: balance %s: %w", addr.Hex(), err)
	}
	return out, nil
}

// Credits lists addr's credits newest first.
func (b *Book) Credits(ctx context.Context, addr common.Address, opts domain.ListOpts) ([]domain.Credit, error) {
	out, err := b.store.ListCredits(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("treasury: credits %s: %w", addr.Hex(), err)
	}
	return out, nil
}
