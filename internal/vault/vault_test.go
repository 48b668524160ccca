package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/market"
	"github.com/alanyoungcy/copyvault/internal/oracle"
	"github.com/alanyoungcy/copyvault/internal/treasury"
)

var (
	trader = common.HexToAddress("0x1000000000000000000000000000000000000001")
	f1     = common.HexToAddress("0x2000000000000000000000000000000000000001")
	f2     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	f3     = common.HexToAddress("0x2000000000000000000000000000000000000003")
	f4     = common.HexToAddress("0x2000000000000000000000000000000000000004")
	f5     = common.HexToAddress("0x2000000000000000000000000000000000000005")
	relay  = common.HexToAddress("0x3000000000000000000000000000000000000001")
)

var errJournalDown = errors.New("journal unavailable")

type memJournal struct {
	events []domain.Event
	fail   error
}

func (j *memJournal) Append(_ context.Context, events []domain.Event) error {
	if j.fail != nil {
		return j.fail
	}
	j.events = append(j.events, events...)
	return nil
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	ctx      context.Context
	clock    *testClock
	oracle   *oracle.Fixed
	market   *market.Ledger
	treasury *treasury.Book
	journal  *memJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Unix(1700000000, 0).UTC()}
	fixed := oracle.NewFixed(nil)
	return &harness{
		ctx:      context.Background(),
		clock:    clock,
		oracle:   fixed,
		market:   market.NewLedger(fixed, nil, clock.Now, nil),
		treasury: treasury.NewBook(nil, nil),
		journal:  &memJournal{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Market:   h.market,
		Treasury: h.treasury,
		Journal:  h.journal,
		Clock:    h.clock.Now,
	}
}

func (h *harness) open(t *testing.T, policy domain.StakePolicy, fund uint64) *Vault {
	t.Helper()
	v, err := Open(h.ctx, domain.VaultInfo{
		ID:         "vault-1",
		Name:       "BTC momentum",
		StrategyID: "strategy-1",
		Trader:     trader,
		Policy:     policy,
	}, domain.AmountOf(fund), h.deps())
	require.NoError(t, err)
	return v
}

func (h *harness) condition(t *testing.T) uint64 {
	t.Helper()
	id, err := h.market.PrepareCondition(h.ctx, "BTC/USD", h.clock.Now().Add(time.Hour), decimal.NewFromInt(50000), "BTC/USD above 50000")
	require.NoError(t, err)
	return id
}

// resolve moves past the settlement time and resolves the condition with
// the given oracle value.
func (h *harness) resolve(t *testing.T, id uint64, value int64) {
	t.Helper()
	h.clock.Advance(2 * time.Hour)
	h.oracle.Set("BTC/USD", decimal.NewFromInt(value))
	_, err := h.market.Resolve(h.ctx, id)
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, addr common.Address) uint64 {
	t.Helper()
	bal, err := h.treasury.Balance(h.ctx, addr)
	require.NoError(t, err)
	return bal.Uint64()
}

func addFollowers(t *testing.T, h *harness, v *Vault) {
	t.Helper()
	for _, c := range []struct {
		addr   common.Address
		amount uint64
	}{{f1, 10}, {f2, 20}, {f3, 30}, {f4, 10}} {
		_, err := v.AddFollowerFund(h.ctx, c.addr, domain.AmountOf(c.amount))
		require.NoError(t, err)
		assertConservation(t, v)
	}
}

func assertConservation(t *testing.T, v *Vault) {
	t.Helper()
	s := v.Snapshot()
	sum := new(uint256.Int).Add(&s.TraderFund, &s.FollowerFund)
	assert.True(t, sum.Eq(&s.TotalPool), "trader %s + followers %s != pool %s",
		s.TraderFund.Dec(), s.FollowerFund.Dec(), s.TotalPool.Dec())
}

func TestScenarioA_FollowersJoin(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)

	pool := v.TotalPool()
	assert.Equal(t, uint64(120), pool.Uint64())
	assert.Equal(t, uint64(4), v.LatestCheckpoint().ID)
	assert.Len(t, v.Checkpoints(), 5)

	contributed := v.Contributed(f3)
	assert.Equal(t, uint64(30), contributed.Uint64())
	fund := v.TraderFund()
	assert.Equal(t, uint64(50), fund.Uint64())

	cp, err := v.Checkpoint(2)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointFollowerFund, cp.Kind)
	assert.Equal(t, f2, cp.Account)
	assert.Equal(t, uint64(80), cp.TotalPool.Uint64())

	followers := v.Followers()
	require.Len(t, followers, 4)
	assert.Equal(t, []common.Address{f1, f2, f3, f4},
		[]common.Address{followers[0].Address, followers[1].Address, followers[2].Address, followers[3].Address})
}

func TestScenarioB_WagerPinsCheckpoint(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)

	w, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)
	assert.Equal(t, 0, w.Index)
	assert.Equal(t, uint64(5), w.CheckpointID)
	assert.Equal(t, uint64(120), w.StakeAmount.Uint64())

	cp, err := v.Checkpoint(5)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointWager, cp.Kind)
	assert.True(t, cp.Delta.IsZero())
	assert.Equal(t, uint64(120), cp.TotalPool.Uint64())

	c, err := h.market.ConditionInfo(h.ctx, cond)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), c.HighPool.Uint64())
	assert.True(t, c.LowPool.IsZero())

	assert.True(t, w.Unstaked.IsZero())
	assertConservation(t, v)
}

func TestScenarioC_LateJoinerGetsNothing(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)

	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)

	_, err = v.AddFollowerFund(h.ctx, f5, domain.AmountOf(25))
	require.NoError(t, err)
	assertConservation(t, v)

	// Another market participant takes the other side so High pays 2x.
	_, err = h.market.Stake(h.ctx, cond, domain.OutcomeLow, "house", domain.AmountOf(120))
	require.NoError(t, err)
	h.resolve(t, cond, 51000)

	share, err := v.Share(f5, 0)
	require.NoError(t, err)
	assert.True(t, share.IsZero())

	want := map[common.Address]uint64{trader: 100, f1: 20, f2: 40, f3: 60, f4: 20, f5: 0}
	var paid uint64
	for _, addr := range []common.Address{trader, f1, f2, f3, f4, f5} {
		s, err := v.Claim(h.ctx, addr, 0, common.Address{})
		require.NoError(t, err, addr.Hex())
		assert.Equal(t, want[addr], s.Amount.Uint64(), addr.Hex())
		assert.Equal(t, want[addr], h.balance(t, addr), addr.Hex())
		paid += s.Amount.Uint64()
	}
	assert.Equal(t, uint64(240), paid)

	w, err := v.Wager(0)
	require.NoError(t, err)
	assert.True(t, w.Redeemed)
	assert.Equal(t, uint64(240), w.Payout.Uint64())
}

func TestScenarioD_LosingWagerSettlesZero(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)

	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeLow, domain.AmountOf(120))
	require.NoError(t, err)
	h.resolve(t, cond, 60000)

	for _, addr := range []common.Address{trader, f1, f2, f3, f4} {
		s, err := v.Claim(h.ctx, addr, 0, relay)
		require.NoError(t, err)
		assert.True(t, s.Amount.IsZero())
		assert.Equal(t, relay, s.RelayedBy)

		_, err = v.Claim(h.ctx, addr, 0, common.Address{})
		assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	}
	for _, addr := range []common.Address{trader, f1, f2, f3, f4} {
		assert.Zero(t, h.balance(t, addr))
	}

	c, err := h.market.ConditionInfo(h.ctx, cond)
	require.NoError(t, err)
	status, err := v.WagerStatus(0, c, h.clock.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerSettled, status)
}

func TestPinnedSharesPartitionPool(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakePartial, 50)
	addFollowers(t, h, v)
	c1 := h.condition(t)
	c2 := h.condition(t)

	w0, err := v.PlaceWager(h.ctx, trader, c1, domain.OutcomeHigh, domain.AmountOf(40))
	require.NoError(t, err)
	assert.Equal(t, uint64(80), w0.Unstaked.Uint64())
	_, err = v.AddFollowerFund(h.ctx, f5, domain.AmountOf(25))
	require.NoError(t, err)
	_, err = v.AddFollowerFund(h.ctx, f1, domain.AmountOf(5))
	require.NoError(t, err)
	_, err = v.AddTraderFund(h.ctx, trader, domain.AmountOf(15))
	require.NoError(t, err)
	w1, err := v.PlaceWager(h.ctx, trader, c2, domain.OutcomeLow, domain.AmountOf(60))
	require.NoError(t, err)
	assert.Equal(t, uint64(105), w1.Unstaked.Uint64())
	assertConservation(t, v)

	for i := range v.Wagers() {
		participants, err := v.Participants(i)
		require.NoError(t, err)
		var sum uint256.Int
		var denom uint256.Int
		for _, addr := range participants {
			s, err := v.Share(addr, i)
			require.NoError(t, err)
			sum.Add(&sum, &s.Numerator)
			denom = s.Denominator
		}
		assert.True(t, sum.Eq(&denom), "wager %d: numerators %s, pool %s", i, sum.Dec(), denom.Dec())
	}

	// f1's second contribution and the trader top-up came after wager 0.
	s, err := v.Share(f1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), s.Numerator.Uint64())
	assert.Equal(t, uint64(120), s.Denominator.Uint64())
	s, err = v.Share(f1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), s.Numerator.Uint64())
	assert.Equal(t, uint64(165), s.Denominator.Uint64())
	s, err = v.Share(trader, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(65), s.Numerator.Uint64())

	participants, err := v.Participants(0)
	require.NoError(t, err)
	assert.NotContains(t, participants, f5)
}

func TestCheckpointsMonotonic(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)
	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)
	_, err = v.AddFollowerFund(h.ctx, f5, domain.AmountOf(25))
	require.NoError(t, err)

	cps := v.Checkpoints()
	for i := 1; i < len(cps); i++ {
		assert.Equal(t, cps[i-1].ID+1, cps[i].ID)
		assert.False(t, cps[i].TotalPool.Lt(&cps[i-1].TotalPool))
		want := new(uint256.Int).Add(&cps[i-1].TotalPool, &cps[i].Delta)
		assert.True(t, want.Eq(&cps[i].TotalPool))
	}
}

func TestRejectedOperationsLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)
	before := v.Snapshot()
	journaled := len(h.journal.events)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"zero follower fund", func() error {
			_, err := v.AddFollowerFund(h.ctx, f1, uint256.Int{})
			return err
		}, domain.ErrInvalidAmount},
		{"trader fund from follower", func() error {
			_, err := v.AddTraderFund(h.ctx, f1, domain.AmountOf(5))
			return err
		}, domain.ErrUnauthorized},
		{"wager from follower", func() error {
			_, err := v.PlaceWager(h.ctx, f1, cond, domain.OutcomeHigh, domain.AmountOf(120))
			return err
		}, domain.ErrUnauthorized},
		{"zero wager", func() error {
			_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, uint256.Int{})
			return err
		}, domain.ErrInvalidAmount},
		{"over stake", func() error {
			_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(121))
			return err
		}, domain.ErrOverStake},
		{"partial stake under full pool policy", func() error {
			_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(100))
			return err
		}, domain.ErrInvalidAmount},
		{"invalid outcome", func() error {
			_, err := v.PlaceWager(h.ctx, trader, cond, domain.Outcome(7), domain.AmountOf(120))
			return err
		}, domain.ErrInvalidOutcome},
		{"unknown condition", func() error {
			_, err := v.PlaceWager(h.ctx, trader, 99, domain.OutcomeHigh, domain.AmountOf(120))
			return err
		}, domain.ErrConditionNotReady},
		{"unknown wager", func() error {
			_, err := v.Claim(h.ctx, f1, 3, common.Address{})
			return err
		}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, v.Snapshot())
			assert.Len(t, h.journal.events, journaled)
		})
	}

	c, err := h.market.ConditionInfo(h.ctx, cond)
	require.NoError(t, err)
	assert.True(t, c.HighPool.IsZero())
}

func TestPlaceWagerOnResolvedOrClosedCondition(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakePartial, 50)
	cond := h.condition(t)
	h.resolve(t, cond, 40000)

	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(10))
	assert.ErrorIs(t, err, domain.ErrConditionNotReady)

	// Past its settlement time but not yet resolved.
	closed := h.condition(t)
	h.clock.Advance(2 * time.Hour)
	_, err = v.PlaceWager(h.ctx, trader, closed, domain.OutcomeHigh, domain.AmountOf(10))
	assert.ErrorIs(t, err, domain.ErrConditionNotReady)
	assert.ErrorIs(t, err, domain.ErrConditionClosed)
	assert.Equal(t, 0, len(v.Wagers()))
}

func TestPartialPolicyTracksRemainder(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakePartial, 100)
	cond := h.condition(t)

	w, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(30))
	require.NoError(t, err)
	assert.Equal(t, uint64(70), w.Unstaked.Uint64())

	_, err = v.PlaceWager(h.ctx, trader, cond, domain.OutcomeLow, domain.AmountOf(101))
	assert.ErrorIs(t, err, domain.ErrOverStake)

	// Each wager is bounded by the pool, not by what earlier wagers left.
	w, err = v.PlaceWager(h.ctx, trader, cond, domain.OutcomeLow, domain.AmountOf(100))
	require.NoError(t, err)
	assert.Equal(t, 1, w.Index)
	assert.True(t, w.Unstaked.IsZero())
	assert.Equal(t, []int{0, 1}, v.WagersOn(cond))
	snap := v.Snapshot()
	assert.Equal(t, uint64(130), snap.Staked.Uint64())
	assert.Equal(t, uint64(100), snap.TotalPool.Uint64())
}

func TestFullPoolPolicyStakesWholePool(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	c1 := h.condition(t)
	c2 := h.condition(t)

	_, err := v.PlaceWager(h.ctx, trader, c1, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)

	// The pool grows after the first wager; the next one must match it.
	_, err = v.AddFollowerFund(h.ctx, f5, domain.AmountOf(25))
	require.NoError(t, err)
	_, err = v.PlaceWager(h.ctx, trader, c2, domain.OutcomeHigh, domain.AmountOf(120))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = v.PlaceWager(h.ctx, trader, c2, domain.OutcomeHigh, domain.AmountOf(146))
	assert.ErrorIs(t, err, domain.ErrOverStake)
	w, err := v.PlaceWager(h.ctx, trader, c2, domain.OutcomeHigh, domain.AmountOf(145))
	require.NoError(t, err)
	assert.Equal(t, uint64(145), w.StakeAmount.Uint64())
	assert.Equal(t, uint64(7), w.CheckpointID)
}

func TestSecondWagerAfterLateJoin(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	c1 := h.condition(t)
	c2 := h.condition(t)

	_, err := v.PlaceWager(h.ctx, trader, c1, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)
	_, err = v.AddFollowerFund(h.ctx, f5, domain.AmountOf(25))
	require.NoError(t, err)
	_, err = v.PlaceWager(h.ctx, trader, c2, domain.OutcomeHigh, domain.AmountOf(145))
	require.NoError(t, err)

	// The house takes the other side of the second wager so High pays 2x.
	_, err = h.market.Stake(h.ctx, c2, domain.OutcomeLow, "house", domain.AmountOf(145))
	require.NoError(t, err)
	h.resolve(t, c2, 51000)
	_, err = h.market.Resolve(h.ctx, c1)
	require.NoError(t, err)

	want := map[int]map[common.Address]uint64{
		0: {trader: 50, f1: 10, f2: 20, f3: 30, f4: 10},
		1: {trader: 100, f1: 20, f2: 40, f3: 60, f4: 20, f5: 50},
	}
	totals := map[common.Address]uint64{}
	for index, payouts := range want {
		var paid uint64
		for addr, amount := range payouts {
			s, err := v.Claim(h.ctx, addr, index, relay)
			require.NoError(t, err, "wager %d %s", index, addr.Hex())
			assert.Equal(t, amount, s.Amount.Uint64(), "wager %d %s", index, addr.Hex())
			paid += amount
			totals[addr] += amount
		}
		w, err := v.Wager(index)
		require.NoError(t, err)
		assert.Equal(t, w.Payout.Uint64(), paid, "wager %d", index)
	}

	// f5 joined after wager 0 was placed.
	s, err := v.Claim(h.ctx, f5, 0, common.Address{})
	require.NoError(t, err)
	assert.True(t, s.Amount.IsZero())
	share, err := v.Share(f5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), share.Numerator.Uint64())
	assert.Equal(t, uint64(145), share.Denominator.Uint64())

	for addr, amount := range totals {
		assert.Equal(t, amount, h.balance(t, addr), addr.Hex())
	}
}

func TestClaimBeforeResolution(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)
	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)

	_, err = v.Claim(h.ctx, f1, 0, common.Address{})
	assert.ErrorIs(t, err, domain.ErrConditionUnresolved)

	_, err = v.Claim(h.ctx, f5, 0, common.Address{})
	assert.Error(t, err)

	c, err := h.market.ConditionInfo(h.ctx, cond)
	require.NoError(t, err)
	status, err := v.WagerStatus(0, c, h.clock.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerPlaced, status)

	status, err = v.WagerStatus(0, c, c.SettlementTime.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerExpired, status)
}

func TestClaimRetriesAfterJournalFailure(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)
	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)
	h.resolve(t, cond, 50000)

	h.journal.fail = errJournalDown
	_, err = v.Claim(h.ctx, f2, 0, common.Address{})
	require.ErrorIs(t, err, errJournalDown)
	assert.Zero(t, h.balance(t, f2))
	w, err := v.Wager(0)
	require.NoError(t, err)
	assert.False(t, w.Redeemed)
	in, err := h.market.Instrument(w.InstrumentRef)
	require.NoError(t, err)
	assert.True(t, in.Redeemed)
	assert.Equal(t, uint64(120), in.Payout.Uint64())

	// The market already paid out; redeeming again returns the same payout.
	h.journal.fail = nil
	s, err := v.Claim(h.ctx, f2, 0, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), s.Amount.Uint64())
	assert.Equal(t, uint64(20), h.balance(t, f2))

	amount, ok, err := v.Entitlement(f3, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(30), amount.Uint64())
}

func TestClaimAfterRestoreFollowingJournalFailure(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)
	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)
	h.resolve(t, cond, 52000)

	h.journal.fail = errJournalDown
	_, err = v.Claim(h.ctx, f3, 0, common.Address{})
	require.ErrorIs(t, err, errJournalDown)
	h.journal.fail = nil

	// The process restarts from the journal, which never saw the redemption.
	restored, err := Restore(h.journal.events, h.deps())
	require.NoError(t, err)
	w, err := restored.Wager(0)
	require.NoError(t, err)
	assert.False(t, w.Redeemed)

	s, err := restored.Claim(h.ctx, f3, 0, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(30), s.Amount.Uint64())
	s, err = restored.Claim(h.ctx, trader, 0, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), s.Amount.Uint64())

	w, err = restored.Wager(0)
	require.NoError(t, err)
	assert.True(t, w.Redeemed)
	assert.Equal(t, uint64(120), w.Payout.Uint64())
	assert.Equal(t, uint64(30), h.balance(t, f3))
	assert.Equal(t, uint64(50), h.balance(t, trader))
}

func TestRestoreReplaysJournal(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)
	cond := h.condition(t)
	_, err := v.PlaceWager(h.ctx, trader, cond, domain.OutcomeHigh, domain.AmountOf(120))
	require.NoError(t, err)
	_, err = v.AddFollowerFund(h.ctx, f5, domain.AmountOf(25))
	require.NoError(t, err)
	h.resolve(t, cond, 55000)
	_, err = v.Claim(h.ctx, f3, 0, relay)
	require.NoError(t, err)

	events := h.journal.events
	require.Len(t, events, 9)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	restored, err := Restore(events, Deps{Market: h.market, Treasury: h.treasury, Clock: h.clock.Now})
	require.NoError(t, err)
	want, got := v.Snapshot(), restored.Snapshot()
	assert.Equal(t, want.Seq, got.Seq)
	assert.Equal(t, want.TotalPool, got.TotalPool)
	assert.Equal(t, want.TraderFund, got.TraderFund)
	assert.Equal(t, want.FollowerFund, got.FollowerFund)
	assert.Equal(t, want.Staked, got.Staked)
	assert.Equal(t, want.Latest.ID, got.Latest.ID)
	assert.Equal(t, want.Info.Trader, got.Info.Trader)
	assert.Equal(t, want.Info.Policy, got.Info.Policy)

	w, err := restored.Wager(0)
	require.NoError(t, err)
	assert.True(t, w.Redeemed)
	assert.Contains(t, w.Settled, f3)
	assert.Equal(t, relay, w.Settled[f3].RelayedBy)

	_, err = restored.Claim(h.ctx, f3, 0, common.Address{})
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	// A partial restore catches up through Replay.
	partial, err := Restore(events[:4], Deps{Market: h.market, Treasury: h.treasury})
	require.NoError(t, err)
	require.NoError(t, partial.Replay(events))
	assert.Equal(t, v.Seq(), partial.Seq())
	pool := partial.TotalPool()
	assert.Equal(t, uint64(145), pool.Uint64())
}

func TestRestoreRejectsGaps(t *testing.T) {
	h := newHarness(t)
	v := h.open(t, domain.StakeFullPool, 50)
	addFollowers(t, h, v)

	events := append([]domain.Event{}, h.journal.events[:2]...)
	events = append(events, h.journal.events[3:]...)
	_, err := Restore(events, h.deps())
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = Restore(h.journal.events[1:], h.deps())
	assert.Error(t, err)
	_, err = Restore(nil, h.deps())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, uint64(5), v.Seq())
}
