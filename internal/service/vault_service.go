package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/notify"
	"github.com/alanyoungcy/copyvault/internal/vault"
)

// Locker serializes writers to one vault across processes. The Redis
// LockManager satisfies it.
type Locker interface {
	AcquireWait(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Notifier forwards operator notifications. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// VaultChannel returns the signal bus channel carrying vault id's events.
func VaultChannel(id string) string {
	return "vault:" + id
}

// OpenVaultRequest describes a new vault.
type OpenVaultRequest struct {
	Name        string
	StrategyID  string
	Trader      common.Address
	OpeningFund uint256.Int
	Policy      domain.StakePolicy
}

// VaultService owns the live vaults of a node. Vaults are loaded from the
// event store on first use and kept in memory; every committed event is
// published on the signal bus.
type VaultService struct {
	vaults   domain.VaultStore
	events   domain.EventStore
	market   domain.ConditionLedger
	treasury domain.Treasury
	locks    Locker
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	policy   domain.StakePolicy
	decimals int32
	lockTTL  time.Duration
	now      func() time.Time
	live     *xsync.Map[string, *vault.Vault]
	logger   *slog.Logger
}

// NewVaultService creates a VaultService. locks, bus, audit and notifier may
// be nil.
func NewVaultService(
	vaults domain.VaultStore,
	events domain.EventStore,
	market domain.ConditionLedger,
	treasury domain.Treasury,
	locks Locker,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier Notifier,
	policy domain.StakePolicy,
	logger *slog.Logger,
) *VaultService {
	if policy == "" {
		policy = domain.StakeFullPool
	}
	return &VaultService{
		vaults:   vaults,
		events:   events,
		market:   market,
		treasury: treasury,
		locks:    locks,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		policy:   policy,
		lockTTL:  10 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		live:     xsync.NewMap[string, *vault.Vault](),
		logger:   logger.With(slog.String("component", "vault_service")),
	}
}

// WithClock overrides the service clock. Tests use it.
func (s *VaultService) WithClock(clock func() time.Time) *VaultService {
	s.now = clock
	return s
}

// WithDecimals sets the collateral decimals used to render amounts in
// notifications. Base units are shown by default.
func (s *VaultService) WithDecimals(decimals int32) *VaultService {
	s.decimals = decimals
	return s
}

func (s *VaultService) deps() vault.Deps {
	return vault.Deps{
		Market:   s.market,
		Treasury: s.treasury,
		Journal:  &publishingJournal{svc: s},
		Clock:    s.now,
		Logger:   s.logger,
	}
}

// Open registers a new vault and journals its opening fund.
func (s *VaultService) Open(ctx context.Context, req OpenVaultRequest) (vault.Snapshot, error) {
	policy := req.Policy
	if policy == "" {
		policy = s.policy
	}
	info := domain.VaultInfo{
		ID:         uuid.NewString(),
		Name:       req.Name,
		StrategyID: req.StrategyID,
		Trader:     req.Trader,
		Policy:     policy,
		CreatedAt:  s.now(),
	}
	if info.StrategyID == "" {
		info.StrategyID = info.ID
	}
	if info.Trader == (common.Address{}) {
		return vault.Snapshot{}, fmt.Errorf("vault_service: open: zero trader address: %w", domain.ErrUnauthorized)
	}
	if info.Policy != domain.StakeFullPool && info.Policy != domain.StakePartial {
		return vault.Snapshot{}, fmt.Errorf("vault_service: open: unknown stake policy %q", info.Policy)
	}
	if err := s.vaults.Create(ctx, info); err != nil {
		return vault.Snapshot{}, fmt.Errorf("vault_service: create %s: %w", info.ID, err)
	}

	v, err := vault.Open(ctx, info, req.OpeningFund, s.deps())
	if err != nil {
		s.logger.ErrorContext(ctx, "vault registered but not opened",
			slog.String("vault_id", info.ID),
			slog.String("error", err.Error()),
		)
		return vault.Snapshot{}, fmt.Errorf("vault_service: open %s: %w", info.ID, err)
	}
	s.live.Store(info.ID, v)

	s.auditLog(ctx, "vault.opened", map[string]any{
		"vault_id":     info.ID,
		"name":         info.Name,
		"trader":       info.Trader.Hex(),
		"policy":       string(info.Policy),
		"opening_fund": req.OpeningFund.Dec(),
	})
	s.logger.InfoContext(ctx, "vault opened",
		slog.String("vault_id", info.ID),
		slog.String("trader", info.Trader.Hex()),
		slog.String("opening_fund", req.OpeningFund.Dec()),
	)
	return v.Snapshot(), nil
}

// Get returns the live vault id, restoring it from its journal if needed.
func (s *VaultService) Get(ctx context.Context, id string) (*vault.Vault, error) {
	if v, ok := s.live.Load(id); ok {
		return v, nil
	}
	if _, err := s.vaults.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("vault_service: get %s: %w", id, err)
	}
	events, err := s.events.List(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("vault_service: load journal %s: %w", id, err)
	}
	v, err := vault.Restore(events, s.deps())
	if err != nil {
		return nil, fmt.Errorf("vault_service: restore %s: %w", id, err)
	}
	actual, loaded := s.live.LoadOrStore(id, v)
	if !loaded {
		s.logger.InfoContext(ctx, "vault restored",
			slog.String("vault_id", id),
			slog.Uint64("seq", v.Seq()),
		)
	}
	return actual, nil
}

// List returns registered vault identities.
func (s *VaultService) List(ctx context.Context, opts domain.ListOpts) ([]domain.VaultInfo, error) {
	out, err := s.vaults.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("vault_service: list: %w", err)
	}
	return out, nil
}

// ForEach calls fn for every registered vault, restoring each as needed. A
// vault that cannot be loaded is logged and skipped.
func (s *VaultService) ForEach(ctx context.Context, fn func(*vault.Vault) error) error {
	const page = 100
	for offset := 0; ; offset += page {
		infos, err := s.List(ctx, domain.ListOpts{Limit: page, Offset: offset})
		if err != nil {
			return err
		}
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := s.Get(ctx, info.ID)
			if err != nil {
				s.logger.WarnContext(ctx, "skip unloadable vault",
					slog.String("vault_id", info.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		if len(infos) < page {
			return nil
		}
	}
}

// Live reports how many vaults are held in memory.
func (s *VaultService) Live() int {
	return s.live.Size()
}

// Events returns vault id's journal entries after afterSeq.
func (s *VaultService) Events(ctx context.Context, id string, afterSeq uint64) ([]domain.Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	out, err := s.events.List(ctx, id, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("vault_service: events %s: %w", id, err)
	}
	return out, nil
}

// AddFunds credits amount from caller. With asTrader set the caller must be
// the vault's trader.
func (s *VaultService) AddFunds(ctx context.Context, id string, caller common.Address, amount uint256.Int, asTrader bool) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.withVault(ctx, id, func(v *vault.Vault) error {
		var err error
		if asTrader {
			cp, err = v.AddTraderFund(ctx, caller, amount)
		} else {
			cp, err = v.AddFollowerFund(ctx, caller, amount)
		}
		return err
	})
	if err != nil {
		return domain.Checkpoint{}, err
	}
	s.auditLog(ctx, "vault.funds_added", map[string]any{
		"vault_id":   id,
		"account":    caller.Hex(),
		"amount":     amount.Dec(),
		"checkpoint": cp.ID,
	})
	return cp, nil
}

// PlaceWager stakes the pool of vault id on a condition outcome.
func (s *VaultService) PlaceWager(ctx context.Context, id string, caller common.Address, conditionID uint64, outcome domain.Outcome, amount uint256.Int) (domain.Wager, error) {
	var w domain.Wager
	err := s.withVault(ctx, id, func(v *vault.Vault) error {
		var err error
		w, err = v.PlaceWager(ctx, caller, conditionID, outcome, amount)
		return err
	})
	if err != nil {
		return domain.Wager{}, err
	}
	s.auditLog(ctx, "vault.wager_placed", map[string]any{
		"vault_id":       id,
		"index":          w.Index,
		"condition_id":   conditionID,
		"outcome":        outcome.String(),
		"amount":         amount.Dec(),
		"checkpoint":     w.CheckpointID,
		"instrument_ref": w.InstrumentRef,
	})
	s.notify(ctx, notify.EventWagerPlaced, "Wager placed",
		fmt.Sprintf("Vault %s staked %s on %s of condition %d", id, domain.FormatAmount(amount, s.decimals), outcome, conditionID))
	return w, nil
}

// Claim settles wager index of vault id for account. relayer is the zero
// address for self-service claims.
func (s *VaultService) Claim(ctx context.Context, id string, account common.Address, index int, relayer common.Address) (domain.Settlement, error) {
	var st domain.Settlement
	err := s.withVault(ctx, id, func(v *vault.Vault) error {
		var err error
		st, err = v.Claim(ctx, account, index, relayer)
		return err
	})
	// A failed transfer still settles the claim.
	if err != nil && st.Account == (common.Address{}) {
		return domain.Settlement{}, err
	}
	s.auditLog(ctx, "vault.claim_settled", map[string]any{
		"vault_id":   id,
		"index":      index,
		"account":    account.Hex(),
		"amount":     st.Amount.Dec(),
		"relayed_by": st.RelayedBy.Hex(),
	})
	if !st.Amount.IsZero() {
		s.notify(ctx, notify.EventClaimSettled, "Claim settled",
			fmt.Sprintf("Vault %s paid %s to %s for wager %d", id, domain.FormatAmount(st.Amount, s.decimals), account.Hex(), index))
	}
	return st, err
}

// withVault runs fn against vault id. When a Locker is configured, fn runs
// under the vault's distributed lock after catching up on entries other
// processes committed.
func (s *VaultService) withVault(ctx context.Context, id string, fn func(*vault.Vault) error) error {
	v, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.locks != nil {
		unlock, err := s.locks.AcquireWait(ctx, "vault:"+id, s.lockTTL)
		if err != nil {
			return fmt.Errorf("vault_service: lock %s: %w", id, err)
		}
		defer unlock()

		missed, err := s.events.List(ctx, id, v.Seq())
		if err != nil {
			return fmt.Errorf("vault_service: catch up %s: %w", id, err)
		}
		if err := v.Replay(missed); err != nil {
			return fmt.Errorf("vault_service: catch up %s: %w", id, err)
		}
	}
	return fn(v)
}

func (s *VaultService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *VaultService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends committed events to live listeners and the vault stream.
// Delivery failures are logged; the journal is the source of truth.
func (s *VaultService) publish(ctx context.Context, events []domain.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		channel := VaultChannel(ev.VaultID)
		if err := s.bus.Publish(ctx, channel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish vault event failed",
				slog.String("vault_id", ev.VaultID),
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.StreamAppend(ctx, channel, payload); err != nil {
			s.logger.WarnContext(ctx, "append vault stream failed",
				slog.String("vault_id", ev.VaultID),
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
}

// publishingJournal appends to the event store and publishes what was
// committed.
type publishingJournal struct {
	svc *VaultService
}

func (j *publishingJournal) Append(ctx context.Context, events []domain.Event) error {
	if err := j.svc.events.Append(ctx, events); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			j.svc.logger.WarnContext(ctx, "journal conflict; another writer committed first",
				slog.String("vault_id", events[0].VaultID),
				slog.Uint64("seq", events[0].Seq),
			)
		}
		return err
	}
	j.svc.publish(ctx, events)
	return nil
}
