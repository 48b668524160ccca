// Package vault implements the copy-trading vault: pooled trader and follower
// funds, whole-pool wagers pinned to a checkpoint, and per-participant
// settlement proportional to each wager's pinned pool composition.
//
// Every operation runs under a single mutex and follows the same shape:
// validate, perform the external call (stake, redeem), append the resulting
// events to the journal, then apply them. A rejected operation leaves the
// vault unchanged.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/ledger"
)

// Journal persists committed vault events. domain.EventStore satisfies it.
type Journal interface {
	Append(ctx context.Context, events []domain.Event) error
}

// Deps are the collaborators a vault needs. Journal and Logger are optional.
type Deps struct {
	Market   domain.ConditionLedger
	Treasury domain.Treasury
	Journal  Journal
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Vault is one trader's pool and its wager and settlement history.
type Vault struct {
	mu sync.Mutex

	info        domain.VaultInfo
	checkpoints *ledger.CheckpointLedger
	registry    *ledger.Registry
	wagers      *ledger.WagerLog
	trader      ledger.History
	traderFund  uint256.Int
	seq         uint64

	market   domain.ConditionLedger
	treasury domain.Treasury
	journal  Journal
	now      func() time.Time
	logger   *slog.Logger
}

func newVault(deps Deps) *Vault {
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		registry: ledger.NewRegistry(),
		wagers:   ledger.NewWagerLog(),
		market:   deps.Market,
		treasury: deps.Treasury,
		journal:  deps.Journal,
		now:      clock,
		logger:   logger.With(slog.String("component", "vault")),
	}
}

// Open creates a vault for info.Trader holding openingFund, and journals the
// opening as the genesis checkpoint.
func Open(ctx context.Context, info domain.VaultInfo, openingFund uint256.Int, deps Deps) (*Vault, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("vault: open: empty vault id")
	}
	if info.Trader == (common.Address{}) {
		return nil, fmt.Errorf("vault: open %s: zero trader address: %w", info.ID, domain.ErrUnauthorized)
	}
	if info.Policy == "" {
		info.Policy = domain.StakeFullPool
	}
	if info.Policy != domain.StakeFullPool && info.Policy != domain.StakePartial {
		return nil, fmt.Errorf("vault: open %s: unknown stake policy %q", info.ID, info.Policy)
	}

	v := newVault(deps)
	v.info.ID = info.ID

	v.mu.Lock()
	defer v.mu.Unlock()

	at := info.CreatedAt
	if at.IsZero() {
		at = v.now()
	}
	ev, err := v.newEvent(domain.EventVaultOpened, domain.VaultOpenedPayload{
		Name:        info.Name,
		StrategyID:  info.StrategyID,
		Trader:      info.Trader.Hex(),
		Policy:      info.Policy,
		OpeningFund: openingFund.Dec(),
	}, at, 0)
	if err != nil {
		return nil, err
	}
	if err := v.commit(ctx, []domain.Event{ev}); err != nil {
		return nil, err
	}
	return v, nil
}

// Restore rebuilds a vault by replaying its journal in sequence order.
func Restore(events []domain.Event, deps Deps) (*Vault, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("vault: restore: empty journal: %w", domain.ErrNotFound)
	}
	if events[0].Type != domain.EventVaultOpened {
		return nil, fmt.Errorf("vault: restore %s: journal starts with %q", events[0].VaultID, events[0].Type)
	}
	v := newVault(deps)
	v.info.ID = events[0].VaultID

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ev := range events {
		if err := v.apply(ev); err != nil {
			return nil, fmt.Errorf("vault: restore %s: %w", v.info.ID, err)
		}
	}
	return v, nil
}

// Replay applies journal entries committed elsewhere (for example by another
// process) that this vault has not seen yet. Entries at or below the
// current sequence are skipped.
func (v *Vault) Replay(events []domain.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ev := range events {
		if ev.Seq <= v.seq {
			continue
		}
		if err := v.apply(ev); err != nil {
			return fmt.Errorf("vault: replay %s: %w", v.info.ID, err)
		}
	}
	return nil
}

// AddFollowerFund adds amount from caller to the pool and creates a
// checkpoint for it. A contribution from the trader goes to the trader fund.
func (v *Vault) AddFollowerFund(ctx context.Context, caller common.Address, amount uint256.Int) (domain.Checkpoint, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.addFundsLocked(ctx, caller, amount)
}

// AddTraderFund adds trader capital to the pool.
func (v *Vault) AddTraderFund(ctx context.Context, caller common.Address, amount uint256.Int) (domain.Checkpoint, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.info.Trader {
		return domain.Checkpoint{}, fmt.Errorf("vault: add trader fund from %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	return v.addFundsLocked(ctx, caller, amount)
}

func (v *Vault) addFundsLocked(ctx context.Context, caller common.Address, amount uint256.Int) (domain.Checkpoint, error) {
	if amount.IsZero() {
		return domain.Checkpoint{}, fmt.Errorf("vault: add funds: zero amount: %w", domain.ErrInvalidAmount)
	}
	if caller == (common.Address{}) {
		return domain.Checkpoint{}, fmt.Errorf("vault: add funds: zero caller address: %w", domain.ErrUnauthorized)
	}
	isTrader := caller == v.info.Trader
	kind := domain.CheckpointFollowerFund
	if isTrader {
		kind = domain.CheckpointTraderFund
	}

	now := v.now()
	next, err := v.checkpoints.Next(kind, caller, amount, now)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("vault: add funds: %w", err)
	}
	ev, err := v.newEvent(domain.EventFundsAdded, domain.FundsAddedPayload{
		Account:      caller.Hex(),
		Trader:       isTrader,
		Amount:       amount.Dec(),
		CheckpointID: next.ID,
	}, now, 0)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := v.commit(ctx, []domain.Event{ev}); err != nil {
		return domain.Checkpoint{}, err
	}

	v.logger.DebugContext(ctx, "funds added",
		slog.String("vault_id", v.info.ID),
		slog.String("account", caller.Hex()),
		slog.Bool("trader", isTrader),
		slog.String("amount", amount.Dec()),
		slog.Uint64("checkpoint", next.ID),
	)
	return v.checkpoints.Latest(), nil
}

// PlaceWager stakes amount of the pool on outcome of conditionID. Only the
// trader may place wagers. The amount is bounded by the current total pool;
// under the full-pool policy it must equal it. The wager is pinned to a new
// zero-delta checkpoint that fixes every participant's share of its payout.
func (v *Vault) PlaceWager(ctx context.Context, caller common.Address, conditionID uint64, outcome domain.Outcome, amount uint256.Int) (domain.Wager, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.info.Trader {
		return domain.Wager{}, fmt.Errorf("vault: place wager from %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	if !outcome.Valid() {
		return domain.Wager{}, fmt.Errorf("vault: place wager: outcome %d: %w", outcome, domain.ErrInvalidOutcome)
	}
	if amount.IsZero() {
		return domain.Wager{}, fmt.Errorf("vault: place wager: zero amount: %w", domain.ErrInvalidAmount)
	}
	total := v.checkpoints.Latest().TotalPool
	if amount.Gt(&total) {
		return domain.Wager{}, fmt.Errorf("vault: place wager: amount %s exceeds total pool %s: %w",
			amount.Dec(), total.Dec(), domain.ErrOverStake)
	}
	if v.info.Policy == domain.StakeFullPool && !amount.Eq(&total) {
		return domain.Wager{}, fmt.Errorf("vault: place wager: full-pool policy requires staking %s, got %s: %w",
			total.Dec(), amount.Dec(), domain.ErrInvalidAmount)
	}

	cond, err := v.market.ConditionInfo(ctx, conditionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Wager{}, fmt.Errorf("vault: place wager: condition %d: %w (%w)", conditionID, domain.ErrConditionNotReady, err)
		}
		return domain.Wager{}, fmt.Errorf("vault: place wager: condition %d info: %w", conditionID, err)
	}
	if cond.Resolved {
		return domain.Wager{}, fmt.Errorf("vault: place wager: condition %d already resolved: %w", conditionID, domain.ErrConditionNotReady)
	}

	now := v.now()
	next, err := v.checkpoints.Next(domain.CheckpointWager, common.Address{}, uint256.Int{}, now)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("vault: place wager: %w", err)
	}

	ref, err := v.market.Stake(ctx, conditionID, outcome, v.info.ID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrConditionClosed) || errors.Is(err, domain.ErrConditionNotReady) || errors.Is(err, domain.ErrNotFound) {
			return domain.Wager{}, fmt.Errorf("vault: place wager: stake on condition %d: %w (%w)", conditionID, domain.ErrConditionNotReady, err)
		}
		return domain.Wager{}, fmt.Errorf("vault: place wager: stake on condition %d: %w", conditionID, err)
	}

	index := v.wagers.Len()
	ev, err := v.newEvent(domain.EventWagerPlaced, domain.WagerPlacedPayload{
		Index:         index,
		ConditionID:   conditionID,
		Outcome:       outcome,
		Amount:        amount.Dec(),
		CheckpointID:  next.ID,
		InstrumentRef: ref,
	}, now, 0)
	if err != nil {
		return domain.Wager{}, err
	}
	if err := v.commit(ctx, []domain.Event{ev}); err != nil {
		// The market holds the stake; the instrument ref is needed to reconcile.
		v.logger.ErrorContext(ctx, "wager staked but not journaled",
			slog.String("vault_id", v.info.ID),
			slog.Uint64("condition_id", conditionID),
			slog.String("instrument_ref", ref),
			slog.String("amount", amount.Dec()),
			slog.String("error", err.Error()),
		)
		return domain.Wager{}, err
	}

	v.logger.InfoContext(ctx, "wager placed",
		slog.String("vault_id", v.info.ID),
		slog.Int("index", index),
		slog.Uint64("condition_id", conditionID),
		slog.String("outcome", outcome.String()),
		slog.String("amount", amount.Dec()),
		slog.Uint64("checkpoint", next.ID),
	)
	return v.wagers.Get(index)
}

// Claim settles wager index for account: it redeems the vault's claim
// instrument on first use, computes the account's share of the payout as
// of the wager's checkpoint and transfers it. A second claim for the same
// pair fails with domain.ErrAlreadySettled. Losing wagers settle with a zero
// payout. relayer records who triggered the claim (zero for self-service).
//
// The market records the payout on the instrument, so a claim retried after
// a failed journal write redeems to the same amount. A failed transfer still
// settles the claim and returns the settlement with the error; the transfer
// is keyed by domain.PayoutRef so it can be repeated from the journal.
func (v *Vault) Claim(ctx context.Context, account common.Address, index int, relayer common.Address) (domain.Settlement, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	w, err := v.wagers.Get(index)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("vault: claim: %w", err)
	}
	if v.wagers.IsSettled(index, account) {
		return domain.Settlement{}, fmt.Errorf("vault: claim wager %d for %s: %w", index, account.Hex(), domain.ErrAlreadySettled)
	}
	if account != v.info.Trader {
		if _, ok := v.registry.Get(account); !ok {
			return domain.Settlement{}, fmt.Errorf("vault: claim wager %d: %s is not a participant: %w", index, account.Hex(), domain.ErrNotFound)
		}
	}

	cond, err := v.market.ConditionInfo(ctx, w.ConditionID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("vault: claim wager %d: condition %d info: %w", index, w.ConditionID, err)
	}
	if !cond.Resolved {
		return domain.Settlement{}, fmt.Errorf("vault: claim wager %d: condition %d: %w", index, w.ConditionID, domain.ErrConditionUnresolved)
	}

	now := v.now()
	var events []domain.Event
	payout := w.Payout
	if !w.Redeemed {
		payout, err = v.market.Redeem(ctx, w.InstrumentRef)
		if err != nil {
			return domain.Settlement{}, fmt.Errorf("vault: claim wager %d: redeem %s: %w", index, w.InstrumentRef, err)
		}
		ev, err := v.newEvent(domain.EventWagerRedeemed, domain.WagerRedeemedPayload{
			Index:  index,
			Payout: payout.Dec(),
		}, now, 0)
		if err != nil {
			return domain.Settlement{}, err
		}
		events = append(events, ev)
	}

	share := v.shareLocked(account, w)
	amount := share.Apply(payout)
	settlement := domain.Settlement{
		Account:   account,
		Amount:    amount,
		RelayedBy: relayer,
		SettledAt: now,
	}
	payload := domain.ClaimSettledPayload{
		Index:   index,
		Account: account.Hex(),
		Amount:  amount.Dec(),
	}
	if relayer != (common.Address{}) {
		payload.RelayedBy = relayer.Hex()
	}
	ev, err := v.newEvent(domain.EventClaimSettled, payload, now, len(events))
	if err != nil {
		return domain.Settlement{}, err
	}
	events = append(events, ev)

	if err := v.commit(ctx, events); err != nil {
		return domain.Settlement{}, err
	}

	if !amount.IsZero() {
		if err := v.treasury.Transfer(ctx, domain.PayoutRef(v.info.ID, index, account), account, amount); err != nil {
			v.logger.ErrorContext(ctx, "claim settled but payout transfer failed",
				slog.String("vault_id", v.info.ID),
				slog.Int("index", index),
				slog.String("account", account.Hex()),
				slog.String("amount", amount.Dec()),
				slog.String("error", err.Error()),
			)
			return settlement, fmt.Errorf("vault: claim wager %d: transfer to %s: %w", index, account.Hex(), err)
		}
	}

	v.logger.InfoContext(ctx, "claim settled",
		slog.String("vault_id", v.info.ID),
		slog.Int("index", index),
		slog.String("account", account.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("payout", payout.Dec()),
	)
	return settlement, nil
}

// newEvent builds the journal entry that will follow the current sequence
// plus offset already-pending entries.
func (v *Vault) newEvent(typ domain.EventType, payload any, at time.Time, offset int) (domain.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("vault: marshal %s: %w", typ, err)
	}
	return domain.Event{
		VaultID:   v.info.ID,
		Seq:       v.seq + uint64(offset) + 1,
		Type:      typ,
		Payload:   raw,
		CreatedAt: at,
	}, nil
}

// commit journals events as one transaction and then applies them.
func (v *Vault) commit(ctx context.Context, events []domain.Event) error {
	if v.journal != nil {
		if err := v.journal.Append(ctx, events); err != nil {
			return fmt.Errorf("vault: journal %s: %w", v.info.ID, err)
		}
	}
	for _, ev := range events {
		if err := v.apply(ev); err != nil {
			v.logger.ErrorContext(ctx, "journaled event failed to apply",
				slog.String("vault_id", v.info.ID),
				slog.Uint64("seq", ev.Seq),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("vault: apply %s #%d: %w", ev.Type, ev.Seq, err)
		}
	}
	return nil
}
