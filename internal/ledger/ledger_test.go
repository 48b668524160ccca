package ledger

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func TestHistoryAt(t *testing.T) {
	var h History
	h.Append(2, domain.AmountOf(10))
	h.Append(5, domain.AmountOf(30))
	h.Append(9, domain.AmountOf(45))

	tests := []struct {
		cp   uint64
		want uint64
	}{
		{0, 0},
		{1, 0},
		{2, 10},
		{4, 10},
		{5, 30},
		{8, 30},
		{9, 45},
		{100, 45},
	}
	for _, tt := range tests {
		got := h.At(tt.cp)
		assert.Equal(t, tt.want, got.Uint64(), "checkpoint %d", tt.cp)
	}
	latest := h.Latest()
	assert.Equal(t, uint64(45), latest.Uint64())
}

func TestCheckpointLedgerAppend(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewCheckpointLedger(domain.AmountOf(50), now)

	genesis := l.Latest()
	assert.Equal(t, uint64(0), genesis.ID)
	assert.Equal(t, uint64(50), genesis.TotalPool.Uint64())
	assert.Equal(t, domain.CheckpointGenesis, genesis.Kind)

	cp, err := l.Append(domain.CheckpointFollowerFund, alice, domain.AmountOf(10), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.ID)
	assert.Equal(t, uint64(60), cp.TotalPool.Uint64())

	cp, err = l.Append(domain.CheckpointWager, common.Address{}, domain.AmountOf(0), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.ID)
	assert.Equal(t, uint64(60), cp.TotalPool.Uint64(), "wager checkpoints freeze the pool")

	got, err := l.At(1)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Account)

	_, err = l.At(3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 3, l.Len())
}

func TestCheckpointLedgerOverflow(t *testing.T) {
	maxAmount := domain.MustAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	l := NewCheckpointLedger(maxAmount, time.Now())

	_, err := l.Append(domain.CheckpointFollowerFund, alice, domain.AmountOf(1), time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Equal(t, 1, l.Len(), "failed append must not extend the chain")
}

func TestRegistryContributeAndLookup(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	_, err := r.Contribute(alice, domain.AmountOf(10), 1, now)
	require.NoError(t, err)
	_, err = r.Contribute(bob, domain.AmountOf(20), 2, now)
	require.NoError(t, err)
	f, err := r.Contribute(alice, domain.AmountOf(5), 4, now)
	require.NoError(t, err)

	assert.Equal(t, uint64(15), f.Contributed.Uint64())
	assert.Equal(t, uint64(4), f.JoinCheckpointID)

	at := r.ContributedAt(alice, 3)
	assert.Equal(t, uint64(10), at.Uint64())
	at = r.ContributedAt(alice, 4)
	assert.Equal(t, uint64(15), at.Uint64())
	at = r.ContributedAt(bob, 1)
	assert.True(t, at.IsZero(), "bob had not joined at checkpoint 1")
	at = r.ContributedAt(carol, 10)
	assert.True(t, at.IsZero())

	total := r.Total()
	assert.Equal(t, uint64(35), total.Uint64())

	followers := r.Followers()
	require.Len(t, followers, 2)
	assert.Equal(t, alice, followers[0].Address)
	assert.Equal(t, bob, followers[1].Address)

	assert.Equal(t, []common.Address{alice}, r.Participants(1))
	assert.Equal(t, []common.Address{alice, bob}, r.Participants(2))
}

func TestWagerLogSettlementFlags(t *testing.T) {
	l := NewWagerLog()
	idx, err := l.Append(domain.Wager{ConditionID: 7, Outcome: domain.OutcomeHigh, StakeAmount: domain.AmountOf(120), CheckpointID: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	assert.False(t, l.IsSettled(0, alice))
	require.NoError(t, l.MarkSettled(0, domain.Settlement{Account: alice, Amount: domain.AmountOf(20)}))
	assert.True(t, l.IsSettled(0, alice))

	err = l.MarkSettled(0, domain.Settlement{Account: alice})
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	require.NoError(t, l.MarkRedeemed(0, domain.AmountOf(240)))
	assert.ErrorIs(t, l.MarkRedeemed(0, domain.AmountOf(1)), domain.ErrAlreadyRedeemed)

	w, err := l.Get(0)
	require.NoError(t, err)
	assert.True(t, w.Redeemed)
	assert.Equal(t, uint64(240), w.Payout.Uint64())

	// Copies returned by Get must not alias ledger state.
	delete(w.Settled, alice)
	assert.True(t, l.IsSettled(0, alice))

	_, err = l.Get(1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []int{0}, l.ByCondition(7))
	staked := l.TotalStaked()
	assert.Equal(t, uint64(120), staked.Uint64())
}
