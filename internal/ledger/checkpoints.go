package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// CheckpointLedger is the append-only checkpoint chain of a vault. Ids are
// positions in the chain, starting with the genesis checkpoint at 0.
type CheckpointLedger struct {
	checkpoints []domain.Checkpoint
}

// NewCheckpointLedger creates the chain with its genesis checkpoint holding
// the trader's opening fund.
func NewCheckpointLedger(genesisPool uint256.Int, at time.Time) *CheckpointLedger {
	return &CheckpointLedger{
		checkpoints: []domain.Checkpoint{{
			ID:        0,
			TotalPool: genesisPool,
			Delta:     genesisPool,
			Kind:      domain.CheckpointGenesis,
			CreatedAt: at,
		}},
	}
}

// Next returns the checkpoint Append would create without appending it.
func (l *CheckpointLedger) Next(kind domain.CheckpointKind, account common.Address, delta uint256.Int, at time.Time) (domain.Checkpoint, error) {
	prev := l.checkpoints[len(l.checkpoints)-1]
	total, overflow := new(uint256.Int).AddOverflow(&prev.TotalPool, &delta)
	if overflow {
		return domain.Checkpoint{}, fmt.Errorf("ledger: pool overflow at checkpoint %d: %w", prev.ID+1, domain.ErrInvalidAmount)
	}
	return domain.Checkpoint{
		ID:        prev.ID + 1,
		TotalPool: *total,
		Delta:     delta,
		Kind:      kind,
		Account:   account,
		CreatedAt: at,
	}, nil
}

// Append creates checkpoint n+1 with TotalPool = checkpoint[n].TotalPool +
// delta and returns it.
func (l *CheckpointLedger) Append(kind domain.CheckpointKind, account common.Address, delta uint256.Int, at time.Time) (domain.Checkpoint, error) {
	cp, err := l.Next(kind, account, delta, at)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	l.checkpoints = append(l.checkpoints, cp)
	return cp, nil
}

// At returns the checkpoint with the given id.
func (l *CheckpointLedger) At(id uint64) (domain.Checkpoint, error) {
	if id >= uint64(len(l.checkpoints)) {
		return domain.Checkpoint{}, fmt.Errorf("ledger: checkpoint %d: %w", id, domain.ErrNotFound)
	}
	return l.checkpoints[id], nil
}

// Latest returns the most recent checkpoint.
func (l *CheckpointLedger) Latest() domain.Checkpoint {
	return l.checkpoints[len(l.checkpoints)-1]
}

// Len returns the number of checkpoints including genesis.
func (l *CheckpointLedger) Len() int {
	return len(l.checkpoints)
}

// All returns a copy of the chain.
func (l *CheckpointLedger) All() []domain.Checkpoint {
	out := make([]domain.Checkpoint, len(l.checkpoints))
	copy(out, l.checkpoints)
	return out
}
