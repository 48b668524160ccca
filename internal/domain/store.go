package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// VaultID narrows audit listings to one vault. Other stores ignore it.
	VaultID string
}

// VaultStore persists vault identities.
type VaultStore interface {
	Create(ctx context.Context, v VaultInfo) error
	GetByID(ctx context.Context, id string) (VaultInfo, error)
	List(ctx context.Context, opts ListOpts) ([]VaultInfo, error)
}

// EventStore persists vault journals. Append writes all events of one vault
// transaction atomically; it returns ErrConflict when any sequence number is
// already taken, so concurrent writers are totally ordered.
type EventStore interface {
	Append(ctx context.Context, events []Event) error
	List(ctx context.Context, vaultID string, afterSeq uint64) ([]Event, error)
	LastSeq(ctx context.Context, vaultID string) (uint64, error)
}

// ConditionStore persists the in-process condition ledger.
type ConditionStore interface {
	UpsertCondition(ctx context.Context, c Condition) error
	ListConditions(ctx context.Context) ([]Condition, error)
	UpsertInstrument(ctx context.Context, in Instrument) error
	ListInstruments(ctx context.Context) ([]Instrument, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CreditStore persists treasury credits and per-account balances.
// AddCredit reports false, and changes nothing, when the ref is already
// recorded.
type CreditStore interface {
	AddCredit(ctx context.Context, c Credit) (bool, error)
	Balance(ctx context.Context, account common.Address) (uint256.Int, error)
	ListCredits(ctx context.Context, account common.Address, opts ListOpts) ([]Credit, error)
}
