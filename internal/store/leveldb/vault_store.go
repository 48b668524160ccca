package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

type vaultRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StrategyID string    `json:"strategy_id"`
	Trader     string    `json:"trader"`
	Policy     string    `json:"policy"`
	CreatedAt  time.Time `json:"created_at"`
}

// VaultStore implements domain.VaultStore.
type VaultStore struct {
	db *DB
}

// NewVaultStore returns a VaultStore on db.
func NewVaultStore(db *DB) *VaultStore {
	return &VaultStore{db: db}
}

// Create stores v. A duplicate id returns domain.ErrAlreadyExists.
func (s *VaultStore) Create(_ context.Context, v domain.VaultInfo) error {
	key := []byte(prefixVault + v.ID)
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	ok, err := s.db.conn.Has(key, nil)
	if err != nil {
		return fmt.Errorf("leveldb: create vault %s: %w", v.ID, err)
	}
	if ok {
		return fmt.Errorf("leveldb: create vault %s: %w", v.ID, domain.ErrAlreadyExists)
	}
	raw, err := json.Marshal(vaultRecord{
		ID:         v.ID,
		Name:       v.Name,
		StrategyID: v.StrategyID,
		Trader:     v.Trader.Hex(),
		Policy:     string(v.Policy),
		CreatedAt:  v.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("leveldb: marshal vault %s: %w", v.ID, err)
	}
	if err := s.db.conn.Put(key, raw, nil); err != nil {
		return fmt.Errorf("leveldb: create vault %s: %w", v.ID, err)
	}
	return nil
}

// GetByID returns the vault with id.
func (s *VaultStore) GetByID(_ context.Context, id string) (domain.VaultInfo, error) {
	raw, err := s.db.conn.Get([]byte(prefixVault+id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return domain.VaultInfo{}, fmt.Errorf("leveldb: vault %s: %w", id, domain.ErrNotFound)
		}
		return domain.VaultInfo{}, fmt.Errorf("leveldb: get vault %s: %w", id, err)
	}
	return decodeVault(raw)
}

// List returns vaults ordered by creation time.
func (s *VaultStore) List(_ context.Context, opts domain.ListOpts) ([]domain.VaultInfo, error) {
	iter := s.db.conn.NewIterator(util.BytesPrefix([]byte(prefixVault)), nil)
	defer iter.Release()

	var out []domain.VaultInfo
	for iter.Next() {
		v, err := decodeVault(iter.Value())
		if err != nil {
			return nil, err
		}
		if opts.Since != nil && v.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && v.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, v)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list vaults: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}

func decodeVault(raw []byte) (domain.VaultInfo, error) {
	var r vaultRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.VaultInfo{}, fmt.Errorf("leveldb: decode vault: %w", err)
	}
	return domain.VaultInfo{
		ID:         r.ID,
		Name:       r.Name,
		StrategyID: r.StrategyID,
		Trader:     common.HexToAddress(r.Trader),
		Policy:     domain.StakePolicy(r.Policy),
		CreatedAt:  r.CreatedAt,
	}, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
