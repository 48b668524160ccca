package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/notify"
	"github.com/alanyoungcy/copyvault/internal/vault"
)

// ConditionsChannel carries condition lifecycle messages on the signal bus.
const ConditionsChannel = "conditions"

// ConditionResolver is the part of the market ledger the watcher drives.
// *market.Ledger satisfies it.
type ConditionResolver interface {
	Unresolved() []domain.Condition
	Resolve(ctx context.Context, conditionID uint64) (domain.Condition, error)
}

// ResolvedHandler is told about every condition the watcher resolves.
type ResolvedHandler interface {
	OnResolved(ctx context.Context, cond domain.Condition)
}

// ResolutionWatcher polls unresolved conditions, resolves those past their
// settlement time through the oracle and reports wagers stuck on conditions
// that stay unresolved beyond the grace period.
type ResolutionWatcher struct {
	conditions ConditionResolver
	vaults     *VaultService
	onResolved ResolvedHandler
	bus        domain.SignalBus
	notifier   Notifier
	pollDur    time.Duration
	grace      time.Duration
	now        func() time.Time
	reported   map[string]bool // vault_id/index pairs already reported expired
	logger     *slog.Logger
}

// NewResolutionWatcher creates a ResolutionWatcher. onResolved, bus and
// notifier may be nil.
func NewResolutionWatcher(
	conditions ConditionResolver,
	vaults *VaultService,
	onResolved ResolvedHandler,
	bus domain.SignalBus,
	notifier Notifier,
	pollInterval time.Duration,
	grace time.Duration,
	logger *slog.Logger,
) *ResolutionWatcher {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &ResolutionWatcher{
		conditions: conditions,
		vaults:     vaults,
		onResolved: onResolved,
		bus:        bus,
		notifier:   notifier,
		pollDur:    pollInterval,
		grace:      grace,
		now:        func() time.Time { return time.Now().UTC() },
		reported:   make(map[string]bool),
		logger:     logger.With(slog.String("component", "resolution_watcher")),
	}
}

// Run polls until ctx is cancelled. Call in a goroutine.
func (w *ResolutionWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				w.logger.ErrorContext(ctx, "resolution check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Check runs one poll and returns the conditions it resolved.
func (w *ResolutionWatcher) Check(ctx context.Context) ([]domain.Condition, error) {
	now := w.now()
	var (
		resolved []domain.Condition
		overdue  []domain.Condition
	)
	// Unresolved is ordered by settlement time.
	for _, cond := range w.conditions.Unresolved() {
		if now.Before(cond.SettlementTime) {
			break
		}
		rc, err := w.conditions.Resolve(ctx, cond.ID)
		if err != nil {
			if errors.Is(err, domain.ErrSettlementPending) {
				continue
			}
			w.logger.WarnContext(ctx, "condition resolution failed",
				slog.Uint64("condition_id", cond.ID),
				slog.String("oracle_ref", cond.OracleRef),
				slog.String("error", err.Error()),
			)
			if now.After(cond.SettlementTime.Add(w.grace)) {
				overdue = append(overdue, cond)
			}
			continue
		}
		resolved = append(resolved, rc)
		w.logger.InfoContext(ctx, "condition resolved",
			slog.Uint64("condition_id", rc.ID),
			slog.String("outcome", rc.Outcome.String()),
			slog.String("value", rc.ResolvedValue.String()),
		)
		w.publish(ctx, "condition_resolved", map[string]any{
			"condition_id": rc.ID,
			"outcome":      rc.Outcome.String(),
			"value":        rc.ResolvedValue.String(),
		})
		if w.onResolved != nil {
			w.onResolved.OnResolved(ctx, rc)
		}
	}

	if len(overdue) > 0 && w.vaults != nil {
		if err := w.reportExpired(ctx, overdue, now); err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

// reportExpired surfaces every wager placed on an overdue condition once.
func (w *ResolutionWatcher) reportExpired(ctx context.Context, overdue []domain.Condition, now time.Time) error {
	return w.vaults.ForEach(ctx, func(v *vault.Vault) error {
		for _, cond := range overdue {
			for _, i := range v.WagersOn(cond.ID) {
				key := fmt.Sprintf("%s/%d", v.ID(), i)
				if w.reported[key] {
					continue
				}
				status, err := v.WagerStatus(i, cond, now, w.grace)
				if err != nil || status != domain.WagerExpired {
					continue
				}
				w.reported[key] = true
				w.logger.WarnContext(ctx, "wager expired without resolution",
					slog.String("vault_id", v.ID()),
					slog.Int("index", i),
					slog.Uint64("condition_id", cond.ID),
					slog.Time("settlement_time", cond.SettlementTime),
				)
				w.publish(ctx, "wager_expired", map[string]any{
					"vault_id":     v.ID(),
					"index":        i,
					"condition_id": cond.ID,
				})
				if w.notifier != nil {
					msg := fmt.Sprintf("Vault %s wager %d on condition %d is past settlement %s without resolution",
						v.ID(), i, cond.ID, cond.SettlementTime.Format(time.RFC3339))
					if err := w.notifier.Notify(ctx, notify.EventWagerExpired, "Wager expired", msg); err != nil {
						w.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
					}
				}
			}
		}
		return nil
	})
}

func (w *ResolutionWatcher) publish(ctx context.Context, event string, fields map[string]any) {
	if w.bus == nil {
		return
	}
	fields["event"] = event
	payload, _ := json.Marshal(fields)
	if err := w.bus.Publish(ctx, ConditionsChannel, payload); err != nil {
		w.logger.WarnContext(ctx, "publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
