package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

type creditRecord struct {
	Ref       string    `json:"ref"`
	Account   string    `json:"account"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// CreditStore implements domain.CreditStore. Each credit is written with
// its ref marker and the account's new running balance in one batch.
type CreditStore struct {
	db *DB
}

// NewCreditStore returns a CreditStore on db.
func NewCreditStore(db *DB) *CreditStore {
	return &CreditStore{db: db}
}

func accountKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// creditKey orders an account's credits by time, then ref.
func creditKey(c domain.Credit) []byte {
	p := prefixCredit + accountKey(c.Account) + "/"
	key := make([]byte, 0, len(p)+8+len(c.Ref))
	key = append(key, p...)
	key = binary.BigEndian.AppendUint64(key, uint64(c.CreatedAt.UnixNano()))
	return append(key, c.Ref...)
}

// AddCredit records c unless its ref is already present.
func (s *CreditStore) AddCredit(_ context.Context, c domain.Credit) (bool, error) {
	refKey := []byte(prefixCreditRef + c.Ref)
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	seen, err := s.db.conn.Has(refKey, nil)
	if err != nil {
		return false, fmt.Errorf("leveldb: add credit %s: %w", c.Ref, err)
	}
	if seen {
		return false, nil
	}
	balance, err := s.balance(c.Account)
	if err != nil {
		return false, err
	}
	if _, overflow := balance.AddOverflow(&balance, &c.Amount); overflow {
		return false, fmt.Errorf("leveldb: add credit %s: balance overflow: %w", c.Ref, domain.ErrInvalidAmount)
	}
	raw, err := json.Marshal(creditRecord{
		Ref:       c.Ref,
		Account:   c.Account.Hex(),
		Amount:    c.Amount.Dec(),
		CreatedAt: c.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("leveldb: marshal credit %s: %w", c.Ref, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(refKey, []byte(accountKey(c.Account)))
	batch.Put(creditKey(c), raw)
	batch.Put([]byte(prefixBalance+accountKey(c.Account)), []byte(balance.Dec()))
	if err := s.db.conn.Write(batch, nil); err != nil {
		return false, fmt.Errorf("leveldb: add credit %s: %w", c.Ref, err)
	}
	return true, nil
}

// Balance returns the running total credited to account.
func (s *CreditStore) Balance(_ context.Context, account common.Address) (uint256.Int, error) {
	return s.balance(account)
}

func (s *CreditStore) balance(account common.Address) (uint256.Int, error) {
	raw, err := s.db.conn.Get([]byte(prefixBalance+accountKey(account)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return uint256.Int{}, nil
	}
	if err != nil {
		return uint256.Int{}, fmt.Errorf("leveldb: balance %s: %w", account.Hex(), err)
	}
	out, err := domain.ParseAmount(string(raw))
	if err != nil {
		return uint256.Int{}, fmt.Errorf("leveldb: balance %s: %w", account.Hex(), err)
	}
	return out, nil
}

// ListCredits returns account's credits newest first.
func (s *CreditStore) ListCredits(_ context.Context, account common.Address, opts domain.ListOpts) ([]domain.Credit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	iter := s.db.conn.NewIterator(util.BytesPrefix([]byte(prefixCredit+accountKey(account)+"/")), nil)
	defer iter.Release()

	var (
		out     []domain.Credit
		skipped int
	)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		if skipped < opts.Offset {
			skipped++
			continue
		}
		var r creditRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("leveldb: decode credit: %w", err)
		}
		amount, err := domain.ParseAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("leveldb: credit %s amount: %w", r.Ref, err)
		}
		out = append(out, domain.Credit{
			Ref:       r.Ref,
			Account:   common.HexToAddress(r.Account),
			Amount:    amount,
			CreatedAt: r.CreatedAt,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list credits: %w", err)
	}
	return out, nil
}
