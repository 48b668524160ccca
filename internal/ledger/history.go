// Package ledger holds the append-only data structures behind a vault: the
// checkpoint chain, per-account contribution histories, the follower
// registry and the wager log. None of the types here are safe for concurrent
// use; the vault serializes access.
package ledger

import (
	"sort"

	"github.com/holiman/uint256"
)

// HistoryEntry is an account's cumulative contribution as of a checkpoint.
type HistoryEntry struct {
	CheckpointID uint64
	Cumulative   uint256.Int
}

// History is the append-only contribution record of one account, ordered by
// checkpoint id.
type History struct {
	entries []HistoryEntry
}

// Append records that the account's cumulative contribution became
// cumulative at checkpoint cp. cp must be greater than every recorded id.
func (h *History) Append(cp uint64, cumulative uint256.Int) {
	h.entries = append(h.entries, HistoryEntry{CheckpointID: cp, Cumulative: cumulative})
}

// At returns the cumulative contribution recorded at or before cp, walking
// back from cp to the most recent entry. Zero when the account had not
// contributed by then.
func (h *History) At(cp uint64) uint256.Int {
	// first index with CheckpointID > cp
	i := sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].CheckpointID > cp
	})
	if i == 0 {
		return uint256.Int{}
	}
	return h.entries[i-1].Cumulative
}

// Latest returns the current cumulative contribution.
func (h *History) Latest() uint256.Int {
	if len(h.entries) == 0 {
		return uint256.Int{}
	}
	return h.entries[len(h.entries)-1].Cumulative
}

// First returns the checkpoint of the first contribution, ok=false if none.
func (h *History) First() (uint64, bool) {
	if len(h.entries) == 0 {
		return 0, false
	}
	return h.entries[0].CheckpointID, true
}

// Entries returns a copy of the recorded entries.
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of recorded entries.
func (h *History) Len() int {
	return len(h.entries)
}
