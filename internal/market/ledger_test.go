package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/oracle"
)

type memStore struct {
	conditions  map[uint64]domain.Condition
	instruments map[string]domain.Instrument
}

func newMemStore() *memStore {
	return &memStore{
		conditions:  make(map[uint64]domain.Condition),
		instruments: make(map[string]domain.Instrument),
	}
}

func (s *memStore) UpsertCondition(_ context.Context, c domain.Condition) error {
	s.conditions[c.ID] = c
	return nil
}

func (s *memStore) ListConditions(context.Context) ([]domain.Condition, error) {
	var out []domain.Condition
	for _, c := range s.conditions {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) UpsertInstrument(_ context.Context, in domain.Instrument) error {
	s.instruments[in.Ref] = in
	return nil
}

func (s *memStore) ListInstruments(context.Context) ([]domain.Instrument, error) {
	var out []domain.Instrument
	for _, in := range s.instruments {
		out = append(out, in)
	}
	return out, nil
}

func setup(t *testing.T) (*Ledger, *oracle.Fixed, *time.Time, *memStore) {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	fixed := oracle.NewFixed(nil)
	store := newMemStore()
	l := NewLedger(fixed, store, func() time.Time { return now }, nil)
	return l, fixed, &now, store
}

func TestPrepareConditionAssignsSequentialIDs(t *testing.T) {
	l, _, now, _ := setup(t)
	ctx := context.Background()

	assert.Equal(t, uint64(0), l.LatestConditionIndex())
	id1, err := l.PrepareCondition(ctx, "BTC/USD", now.Add(time.Hour), decimal.NewFromInt(50000), "BTC/USD")
	require.NoError(t, err)
	id2, err := l.PrepareCondition(ctx, "ETH/USD", now.Add(time.Hour), decimal.NewFromInt(3000), "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
	assert.Equal(t, uint64(2), l.LatestConditionIndex())

	_, err = l.PrepareCondition(ctx, "", now.Add(time.Hour), decimal.Zero, "")
	assert.Error(t, err)
	_, err = l.ConditionInfo(ctx, 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveAndRedeemParimutuel(t *testing.T) {
	l, fixed, now, _ := setup(t)
	ctx := context.Background()

	id, err := l.PrepareCondition(ctx, "BTC/USD", now.Add(time.Hour), decimal.NewFromInt(50000), "BTC/USD")
	require.NoError(t, err)
	a, err := l.Stake(ctx, id, domain.OutcomeHigh, "a", domain.AmountOf(30))
	require.NoError(t, err)
	b, err := l.Stake(ctx, id, domain.OutcomeHigh, "b", domain.AmountOf(10))
	require.NoError(t, err)
	c, err := l.Stake(ctx, id, domain.OutcomeLow, "c", domain.AmountOf(60))
	require.NoError(t, err)

	_, err = l.Redeem(ctx, a)
	assert.ErrorIs(t, err, domain.ErrConditionUnresolved)

	fixed.Set("BTC/USD", decimal.NewFromInt(50000))
	_, err = l.Resolve(ctx, id)
	assert.ErrorIs(t, err, domain.ErrSettlementPending)

	*now = now.Add(2 * time.Hour)
	_, err = l.Stake(ctx, id, domain.OutcomeLow, "late", domain.AmountOf(1))
	assert.ErrorIs(t, err, domain.ErrConditionClosed)

	cond, err := l.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, cond.Resolved)
	assert.Equal(t, domain.OutcomeHigh, cond.Outcome)
	require.NotNil(t, cond.ResolvedAt)
	assert.Empty(t, l.Unresolved())

	// Total collateral 100, winning pool 40.
	pa, err := l.Redeem(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(75), pa.Uint64())
	pb, err := l.Redeem(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), pb.Uint64())
	pc, err := l.Redeem(ctx, c)
	require.NoError(t, err)
	assert.True(t, pc.IsZero())

	again, err := l.Redeem(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(75), again.Uint64(), "repeat redeem returns the recorded payout")

	_, err = l.Stake(ctx, id, domain.OutcomeHigh, "a", domain.AmountOf(1))
	assert.ErrorIs(t, err, domain.ErrConditionNotReady)

	// Resolving twice returns the settled condition.
	fixed.Set("BTC/USD", decimal.NewFromInt(1))
	resolved, err := l.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeHigh, resolved.Outcome)
}

func TestResolveBelowTriggerIsLow(t *testing.T) {
	l, fixed, now, _ := setup(t)
	ctx := context.Background()
	id, err := l.PrepareCondition(ctx, "BTC/USD", now.Add(time.Minute), decimal.RequireFromString("50000.5"), "BTC/USD")
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	_, err = l.Resolve(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound, "oracle has no value yet")

	fixed.Set("BTC/USD", decimal.RequireFromString("50000.4"))
	cond, err := l.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLow, cond.Outcome)
}

func TestLoadRestoresState(t *testing.T) {
	l, fixed, now, store := setup(t)
	ctx := context.Background()
	id, err := l.PrepareCondition(ctx, "BTC/USD", now.Add(time.Hour), decimal.NewFromInt(50000), "BTC/USD")
	require.NoError(t, err)
	ref, err := l.Stake(ctx, id, domain.OutcomeHigh, "vault-1", domain.AmountOf(120))
	require.NoError(t, err)

	restored := NewLedger(fixed, store, func() time.Time { return *now }, nil)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, uint64(1), restored.LatestConditionIndex())

	in, err := restored.Instrument(ref)
	require.NoError(t, err)
	assert.Equal(t, "vault-1", in.Holder)
	assert.Equal(t, uint64(120), in.Amount.Uint64())

	cond, err := restored.ConditionInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), cond.HighPool.Uint64())

	next, err := restored.PrepareCondition(ctx, "BTC/USD", now.Add(time.Hour), decimal.NewFromInt(1), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func TestRedeemPayoutSurvivesRestart(t *testing.T) {
	l, fixed, now, store := setup(t)
	ctx := context.Background()
	id, err := l.PrepareCondition(ctx, "BTC/USD", now.Add(time.Hour), decimal.NewFromInt(50000), "BTC/USD")
	require.NoError(t, err)
	win, err := l.Stake(ctx, id, domain.OutcomeHigh, "vault-1", domain.AmountOf(120))
	require.NoError(t, err)
	_, err = l.Stake(ctx, id, domain.OutcomeLow, "vault-2", domain.AmountOf(180))
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	fixed.Set("BTC/USD", decimal.NewFromInt(60000))
	_, err = l.Resolve(ctx, id)
	require.NoError(t, err)

	paid, err := l.Redeem(ctx, win)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), paid.Uint64())
	storedPayout := store.instruments[win].Payout
	assert.Equal(t, uint64(300), storedPayout.Uint64())

	restored := NewLedger(fixed, store, func() time.Time { return *now }, nil)
	require.NoError(t, restored.Load(ctx))
	again, err := restored.Redeem(ctx, win)
	require.NoError(t, err)
	assert.Equal(t, paid, again)

	in, err := restored.Instrument(win)
	require.NoError(t, err)
	assert.True(t, in.Redeemed)
}
