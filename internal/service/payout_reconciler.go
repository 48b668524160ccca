package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/vault"
)

// ReconcileReport counts the outcome of one reconciliation pass.
type ReconcileReport struct {
	Transfers int
	Failed    int
}

// PayoutReconciler transfers every journaled settlement to the treasury
// again. A claim is settled in the journal before its payout is
// transferred, so a crash or treasury outage between the two leaves a
// settlement without a credit; Transfer is keyed by the payout ref, so
// settlements already credited are not credited twice.
type PayoutReconciler struct {
	vaults   *VaultService
	treasury domain.Treasury
	every    time.Duration
	logger   *slog.Logger
}

// NewPayoutReconciler creates a PayoutReconciler running every interval.
func NewPayoutReconciler(vaults *VaultService, treasury domain.Treasury, every time.Duration, logger *slog.Logger) *PayoutReconciler {
	if every <= 0 {
		every = 5 * time.Minute
	}
	return &PayoutReconciler{
		vaults:   vaults,
		treasury: treasury,
		every:    every,
		logger:   logger.With(slog.String("component", "payout_reconciler")),
	}
}

// Run reconciles every interval until ctx is cancelled.
func (p *PayoutReconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := p.Reconcile(ctx)
			if err != nil {
				p.logger.ErrorContext(ctx, "payout reconciliation failed", slog.String("error", err.Error()))
				continue
			}
			if report.Failed > 0 {
				p.logger.WarnContext(ctx, "payout transfers still failing", slog.Int("failed", report.Failed))
			}
		}
	}
}

// Reconcile runs one pass over every settlement with a non-zero amount.
func (p *PayoutReconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	err := p.vaults.ForEach(ctx, func(v *vault.Vault) error {
		id := v.ID()
		for _, w := range v.Wagers() {
			for addr, st := range w.Settled {
				if st.Amount.IsZero() {
					continue
				}
				report.Transfers++
				if err := p.treasury.Transfer(ctx, domain.PayoutRef(id, w.Index, addr), addr, st.Amount); err != nil {
					report.Failed++
					p.logger.WarnContext(ctx, "payout transfer failed",
						slog.String("vault_id", id),
						slog.Int("index", w.Index),
						slog.String("account", addr.Hex()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
		return nil
	})
	return report, err
}
