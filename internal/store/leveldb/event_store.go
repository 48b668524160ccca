package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// EventStore implements domain.EventStore. Appends are serialized by the
// shared DB mutex and written as one batch.
type EventStore struct {
	db *DB
}

// NewEventStore returns an EventStore on db.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Append writes events atomically. The first event must follow the last
// stored sequence of its vault, else domain.ErrConflict.
func (s *EventStore) Append(_ context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	vaultID := events[0].VaultID

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	last, err := s.lastSeq(vaultID)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for i, ev := range events {
		if ev.VaultID != vaultID || ev.Seq != last+uint64(i)+1 {
			return fmt.Errorf("leveldb: append %s seq %d after %d: %w", ev.VaultID, ev.Seq, last+uint64(i), domain.ErrConflict)
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("leveldb: marshal event %s #%d: %w", ev.VaultID, ev.Seq, err)
		}
		batch.Put(eventKey(ev.VaultID, ev.Seq), raw)
	}
	if err := s.db.conn.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb: append %s: %w", vaultID, err)
	}
	return nil
}

// List returns the events of vaultID with seq > afterSeq in order.
func (s *EventStore) List(_ context.Context, vaultID string, afterSeq uint64) ([]domain.Event, error) {
	prefix := eventPrefix(vaultID)
	rng := util.BytesPrefix(prefix)
	rng.Start = eventKey(vaultID, afterSeq+1)
	iter := s.db.conn.NewIterator(rng, nil)
	defer iter.Release()

	var out []domain.Event
	for iter.Next() {
		var ev domain.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("leveldb: decode event %s: %w", vaultID, err)
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list events %s: %w", vaultID, err)
	}
	return out, nil
}

// LastSeq returns the highest stored sequence of vaultID, zero if none.
func (s *EventStore) LastSeq(_ context.Context, vaultID string) (uint64, error) {
	return s.lastSeq(vaultID)
}

func (s *EventStore) lastSeq(vaultID string) (uint64, error) {
	prefix := eventPrefix(vaultID)
	iter := s.db.conn.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, fmt.Errorf("leveldb: last seq %s: %w", vaultID, err)
		}
		return 0, nil
	}
	key := iter.Key()
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("leveldb: malformed event key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}
