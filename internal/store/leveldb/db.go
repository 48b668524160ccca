// Package leveldb implements the copyvault stores on an embedded LevelDB
// database, for single-node deployments without PostgreSQL.
package leveldb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Key prefixes. Event keys end in a big-endian sequence so iteration
// returns a journal in order.
const (
	prefixVault      = "vault/"
	prefixEvent      = "event/"
	prefixCondition  = "cond/"
	prefixInstrument = "inst/"
	prefixCreditRef  = "creditref/"
	prefixCredit     = "credit/"
	prefixBalance    = "balance/"
)

// DB wraps a LevelDB handle shared by every store.
type DB struct {
	conn *leveldb.DB
	// mu serializes journal appends and treasury credits so each check and
	// its batch write happen as one step.
	mu sync.Mutex
}

// Open opens (or creates) a database at path.
func Open(path string) (*DB, error) {
	conn, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", path, err)
	}
	return &DB{conn: conn}, nil
}

// OpenMemory opens a database backed by memory, for tests and dry runs.
func OpenMemory() (*DB, error) {
	conn, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open memory: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.conn.Close()
}

func eventPrefix(vaultID string) []byte {
	return []byte(prefixEvent + vaultID + "/")
}

func eventKey(vaultID string, seq uint64) []byte {
	p := eventPrefix(vaultID)
	key := make([]byte, len(p)+8)
	copy(key, p)
	binary.BigEndian.PutUint64(key[len(p):], seq)
	return key
}

func conditionKey(id uint64) []byte {
	key := make([]byte, len(prefixCondition)+8)
	copy(key, prefixCondition)
	binary.BigEndian.PutUint64(key[len(prefixCondition):], id)
	return key
}
