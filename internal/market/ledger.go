// Package market is an in-process condition ledger: binary conditions that
// resolve against a price oracle, with parimutuel claim instruments minted on
// stake and redeemed once after resolution. Every vault in the process shares
// one Ledger.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// Ledger implements domain.ConditionLedger. State is optionally written
// through to a domain.ConditionStore so it survives restarts.
type Ledger struct {
	mu          sync.Mutex
	conditions  map[uint64]*domain.Condition
	instruments map[string]*domain.Instrument
	lastID      uint64

	oracle domain.PriceOracle
	store  domain.ConditionStore
	now    func() time.Time
	logger *slog.Logger
}

// NewLedger creates an empty ledger. store may be nil; clock defaults to
// time.Now in UTC.
func NewLedger(oracle domain.PriceOracle, store domain.ConditionStore, clock func() time.Time, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		conditions:  make(map[uint64]*domain.Condition),
		instruments: make(map[string]*domain.Instrument),
		oracle:      oracle,
		store:       store,
		now:         clock,
		logger:      logger.With(slog.String("component", "market")),
	}
}

// Load restores conditions and instruments from the store.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	conds, err := l.store.ListConditions(ctx)
	if err != nil {
		return fmt.Errorf("market: load conditions: %w", err)
	}
	ins, err := l.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("market: load instruments: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range conds {
		c := conds[i]
		l.conditions[c.ID] = &c
		if c.ID > l.lastID {
			l.lastID = c.ID
		}
	}
	for i := range ins {
		in := ins[i]
		l.instruments[in.Ref] = &in
	}
	l.logger.InfoContext(ctx, "condition ledger loaded",
		slog.Int("conditions", len(conds)),
		slog.Int("instruments", len(ins)),
	)
	return nil
}

// PrepareCondition registers a new condition and returns its id. Ids start
// at 1.
func (l *Ledger) PrepareCondition(ctx context.Context, oracleRef string, settlementTime time.Time, triggerValue decimal.Decimal, marketLabel string) (uint64, error) {
	if oracleRef == "" {
		return 0, fmt.Errorf("market: prepare condition: empty oracle ref")
	}
	if settlementTime.IsZero() {
		return 0, fmt.Errorf("market: prepare condition: zero settlement time")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := domain.Condition{
		ID:             l.lastID + 1,
		OracleRef:      oracleRef,
		SettlementTime: settlementTime.UTC(),
		TriggerValue:   triggerValue,
		MarketLabel:    marketLabel,
		CreatedAt:      l.now(),
	}
	if err := l.persistCondition(ctx, c); err != nil {
		return 0, err
	}
	l.conditions[c.ID] = &c
	l.lastID = c.ID

	l.logger.InfoContext(ctx, "condition prepared",
		slog.Uint64("condition_id", c.ID),
		slog.String("oracle_ref", oracleRef),
		slog.String("trigger", triggerValue.String()),
		slog.String("label", marketLabel),
		slog.Time("settlement_time", c.SettlementTime),
	)
	return c.ID, nil
}

// LatestConditionIndex returns the id of the most recently prepared
// condition, zero if none.
func (l *Ledger) LatestConditionIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Stake mints a claim instrument on outcome for holder and adds amount to
// that side's pool.
func (l *Ledger) Stake(ctx context.Context, conditionID uint64, outcome domain.Outcome, holder string, amount uint256.Int) (string, error) {
	if !outcome.Valid() {
		return "", fmt.Errorf("market: stake: %w", domain.ErrInvalidOutcome)
	}
	if amount.IsZero() {
		return "", fmt.Errorf("market: stake: zero amount: %w", domain.ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.conditions[conditionID]
	if !ok {
		return "", fmt.Errorf("market: stake: condition %d: %w", conditionID, domain.ErrNotFound)
	}
	if c.Resolved {
		return "", fmt.Errorf("market: stake: condition %d resolved: %w", conditionID, domain.ErrConditionNotReady)
	}
	if !l.now().Before(c.SettlementTime) {
		return "", fmt.Errorf("market: stake: condition %d: %w", conditionID, domain.ErrConditionClosed)
	}

	next := *c
	var overflow bool
	if outcome == domain.OutcomeHigh {
		_, overflow = next.HighPool.AddOverflow(&c.HighPool, &amount)
	} else {
		_, overflow = next.LowPool.AddOverflow(&c.LowPool, &amount)
	}
	if overflow {
		return "", fmt.Errorf("market: stake: condition %d pool overflow: %w", conditionID, domain.ErrInvalidAmount)
	}
	in := domain.Instrument{
		Ref:         uuid.NewString(),
		ConditionID: conditionID,
		Outcome:     outcome,
		Holder:      holder,
		Amount:      amount,
		CreatedAt:   l.now(),
	}
	if err := l.persistInstrument(ctx, in); err != nil {
		return "", err
	}
	if err := l.persistCondition(ctx, next); err != nil {
		return "", err
	}
	*c = next
	l.instruments[in.Ref] = &in

	l.logger.DebugContext(ctx, "stake placed",
		slog.Uint64("condition_id", conditionID),
		slog.String("outcome", outcome.String()),
		slog.String("holder", holder),
		slog.String("amount", amount.Dec()),
		slog.String("instrument_ref", in.Ref),
	)
	return in.Ref, nil
}

// ConditionInfo returns a copy of the condition.
func (l *Ledger) ConditionInfo(_ context.Context, conditionID uint64) (domain.Condition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conditions[conditionID]
	if !ok {
		return domain.Condition{}, fmt.Errorf("market: condition %d: %w", conditionID, domain.ErrNotFound)
	}
	return *c, nil
}

// Conditions returns every condition ordered by id.
func (l *Ledger) Conditions() []domain.Condition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Condition, 0, len(l.conditions))
	for _, c := range l.conditions {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unresolved returns the conditions that have not resolved yet, ordered by
// settlement time.
func (l *Ledger) Unresolved() []domain.Condition {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Condition
	for _, c := range l.conditions {
		if !c.Resolved {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SettlementTime.Equal(out[j].SettlementTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].SettlementTime.Before(out[j].SettlementTime)
	})
	return out
}

// Instrument returns a copy of the instrument with ref.
func (l *Ledger) Instrument(ref string) (domain.Instrument, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.instruments[ref]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("market: instrument %s: %w", ref, domain.ErrNotFound)
	}
	return *in, nil
}

// Resolve settles a condition whose settlement time has passed: the oracle
// value at or above the trigger resolves High, below it Low. Resolving an
// already resolved condition returns it unchanged.
func (l *Ledger) Resolve(ctx context.Context, conditionID uint64) (domain.Condition, error) {
	l.mu.Lock()
	c, ok := l.conditions[conditionID]
	if !ok {
		l.mu.Unlock()
		return domain.Condition{}, fmt.Errorf("market: resolve: condition %d: %w", conditionID, domain.ErrNotFound)
	}
	if c.Resolved {
		out := *c
		l.mu.Unlock()
		return out, nil
	}
	if l.now().Before(c.SettlementTime) {
		l.mu.Unlock()
		return domain.Condition{}, fmt.Errorf("market: resolve: condition %d due %s: %w",
			conditionID, c.SettlementTime.Format(time.RFC3339), domain.ErrSettlementPending)
	}
	ref := c.OracleRef
	l.mu.Unlock()

	// The oracle may block on I/O; read it outside the lock.
	value, err := l.oracle.Price(ctx, ref)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("market: resolve: condition %d oracle %s: %w", conditionID, ref, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c.Resolved {
		return *c, nil
	}
	next := *c
	next.Resolved = true
	next.ResolvedValue = value
	next.Outcome = domain.OutcomeLow
	if value.GreaterThanOrEqual(c.TriggerValue) {
		next.Outcome = domain.OutcomeHigh
	}
	at := l.now()
	next.ResolvedAt = &at
	if err := l.persistCondition(ctx, next); err != nil {
		return domain.Condition{}, err
	}
	*c = next

	l.logger.InfoContext(ctx, "condition resolved",
		slog.Uint64("condition_id", conditionID),
		slog.String("outcome", next.Outcome.String()),
		slog.String("value", value.String()),
		slog.String("trigger", c.TriggerValue.String()),
	)
	return next, nil
}

// Redeem pays out an instrument once its condition has resolved. Winning
// instruments receive amount * (high + low) / winningPool, rounded down;
// losing instruments redeem to zero. The payout is recorded on the
// instrument, and a repeated Redeem returns it again.
func (l *Ledger) Redeem(ctx context.Context, ref string) (uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	in, ok := l.instruments[ref]
	if !ok {
		return uint256.Int{}, fmt.Errorf("market: redeem %s: %w", ref, domain.ErrNotFound)
	}
	if in.Redeemed {
		l.logger.DebugContext(ctx, "instrument already redeemed",
			slog.String("instrument_ref", ref),
			slog.String("payout", in.Payout.Dec()),
		)
		return in.Payout, nil
	}
	c := l.conditions[in.ConditionID]
	if c == nil || !c.Resolved {
		return uint256.Int{}, fmt.Errorf("market: redeem %s: condition %d: %w", ref, in.ConditionID, domain.ErrConditionUnresolved)
	}

	payout := Payout(*c, in.Outcome, in.Amount)
	next := *in
	next.Redeemed = true
	next.Payout = payout
	if err := l.persistInstrument(ctx, next); err != nil {
		return uint256.Int{}, err
	}
	*in = next

	l.logger.DebugContext(ctx, "instrument redeemed",
		slog.String("instrument_ref", ref),
		slog.Uint64("condition_id", in.ConditionID),
		slog.String("payout", payout.Dec()),
	)
	return payout, nil
}

// Payout is the parimutuel value of amount staked on outcome of a resolved
// condition.
func Payout(c domain.Condition, outcome domain.Outcome, amount uint256.Int) uint256.Int {
	if !c.Resolved || outcome != c.Outcome || amount.IsZero() {
		return uint256.Int{}
	}
	winning := c.Pool(c.Outcome)
	if winning.IsZero() {
		return uint256.Int{}
	}
	var total uint256.Int
	if _, overflow := total.AddOverflow(&c.HighPool, &c.LowPool); overflow {
		return uint256.Int{}
	}
	out, overflow := new(uint256.Int).MulDivOverflow(&amount, &total, &winning)
	if overflow {
		return uint256.Int{}
	}
	return *out
}

func (l *Ledger) persistCondition(ctx context.Context, c domain.Condition) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.UpsertCondition(ctx, c); err != nil {
		return fmt.Errorf("market: persist condition %d: %w", c.ID, err)
	}
	return nil
}

func (l *Ledger) persistInstrument(ctx context.Context, in domain.Instrument) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.UpsertInstrument(ctx, in); err != nil {
		return fmt.Errorf("market: persist instrument %s: %w", in.Ref, err)
	}
	return nil
}
