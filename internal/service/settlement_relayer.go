package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/vault"
)

// RelayReport counts the outcome of one relay pass.
type RelayReport struct {
	Claimed        int
	AlreadySettled int
	Failed         int
}

// SettlementRelayer claims on behalf of every participant of every wager
// placed on a resolved condition, so followers are paid without having to
// call Claim themselves. Claims that fail are picked up again by Run.
type SettlementRelayer struct {
	vaults     *VaultService
	relayer    common.Address
	pool       pond.Pool
	retryEvery time.Duration
	logger     *slog.Logger
}

// NewSettlementRelayer creates a SettlementRelayer that claims as relayer
// with up to workers concurrent claims, retrying unsettled claims every
// retryEvery.
func NewSettlementRelayer(vaults *VaultService, relayer common.Address, workers int, retryEvery time.Duration, logger *slog.Logger) *SettlementRelayer {
	if workers <= 0 {
		workers = 4
	}
	if retryEvery <= 0 {
		retryEvery = time.Minute
	}
	return &SettlementRelayer{
		vaults:     vaults,
		relayer:    relayer,
		pool:       pond.NewPool(workers, pond.WithQueueSize(workers*64)),
		retryEvery: retryEvery,
		logger:     logger.With(slog.String("component", "settlement_relayer")),
	}
}

// Address returns the relayer identity recorded on relayed settlements.
func (r *SettlementRelayer) Address() common.Address {
	return r.relayer
}

// OnResolved relays claims for cond. It implements ResolvedHandler.
func (r *SettlementRelayer) OnResolved(ctx context.Context, cond domain.Condition) {
	report, err := r.Relay(ctx, cond.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "relay failed",
			slog.Uint64("condition_id", cond.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.InfoContext(ctx, "relay complete",
		slog.Uint64("condition_id", cond.ID),
		slog.Int("claimed", report.Claimed),
		slog.Int("already_settled", report.AlreadySettled),
		slog.Int("failed", report.Failed),
	)
}

// Run relays pending claims every retry interval until ctx is cancelled.
func (r *SettlementRelayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.retryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := r.RetryPending(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "relay retry failed", slog.String("error", err.Error()))
				continue
			}
			if report.Claimed > 0 || report.Failed > 0 {
				r.logger.InfoContext(ctx, "relay retry complete",
					slog.Int("claimed", report.Claimed),
					slog.Int("already_settled", report.AlreadySettled),
					slog.Int("failed", report.Failed),
				)
			}
		}
	}
}

// Relay claims every unsettled (participant, wager) pair on conditionID.
// A pair someone else settled first counts as already settled.
func (r *SettlementRelayer) Relay(ctx context.Context, conditionID uint64) (RelayReport, error) {
	return r.relay(ctx, func(w domain.Wager) bool { return w.ConditionID == conditionID })
}

// RetryPending claims every unsettled pair on any resolved condition, which
// covers claims a previous relay pass failed on.
func (r *SettlementRelayer) RetryPending(ctx context.Context) (RelayReport, error) {
	resolved := make(map[uint64]bool)
	return r.relay(ctx, func(w domain.Wager) bool {
		done, seen := resolved[w.ConditionID]
		if !seen {
			cond, err := r.vaults.market.ConditionInfo(ctx, w.ConditionID)
			done = err == nil && cond.Resolved
			resolved[w.ConditionID] = done
		}
		return done
	})
}

// relay claims the unsettled participants of every wager match selects.
func (r *SettlementRelayer) relay(ctx context.Context, match func(domain.Wager) bool) (RelayReport, error) {
	var (
		mu     sync.Mutex
		report RelayReport
	)
	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	err := r.vaults.ForEach(ctx, func(v *vault.Vault) error {
		id := v.ID()
		for i, w := range v.Wagers() {
			if !match(w) {
				continue
			}
			participants, err := v.Participants(i)
			if err != nil {
				continue
			}
			for _, addr := range participants {
				if _, done := w.Settled[addr]; done {
					continue
				}
				index := i
				group.Submit(func() {
					if groupCtx.Err() != nil {
						return
					}
					_, err := r.vaults.Claim(groupCtx, id, addr, index, r.relayer)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						report.Claimed++
					case errors.Is(err, domain.ErrAlreadySettled):
						report.AlreadySettled++
					default:
						report.Failed++
						r.logger.WarnContext(groupCtx, "relayed claim failed",
							slog.String("vault_id", id),
							slog.Int("index", index),
							slog.String("account", addr.Hex()),
							slog.String("error", err.Error()),
						)
					}
				})
			}
		}
		return nil
	})
	if waitErr := group.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) && !errors.Is(waitErr, pond.ErrGroupStopped) {
		r.logger.WarnContext(ctx, "relay group ended with error", slog.String("error", waitErr.Error()))
	}

	mu.Lock()
	defer mu.Unlock()
	return report, err
}

// Stop waits for queued claims and releases the worker pool.
func (r *SettlementRelayer) Stop() {
	r.pool.StopAndWait()
}
