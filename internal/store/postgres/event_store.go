package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. The
// (vault_id, seq) primary key totally orders concurrent writers.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append writes events in one transaction. The first event must follow the
// vault's last stored sequence; otherwise domain.ErrConflict is returned
// and nothing is written.
func (s *EventStore) Append(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	vaultID := events[0].VaultID

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin append %s: %w", vaultID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stored int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM vault_events WHERE vault_id = $1`, vaultID,
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("postgres: last seq %s: %w", vaultID, err)
	}
	last := uint64(stored)

	const insert = `
		INSERT INTO vault_events (vault_id, seq, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	for i, ev := range events {
		if ev.VaultID != vaultID || ev.Seq != last+uint64(i)+1 {
			return fmt.Errorf("postgres: append %s seq %d after %d: %w", ev.VaultID, ev.Seq, last+uint64(i), domain.ErrConflict)
		}
		if _, err := tx.Exec(ctx, insert, ev.VaultID, int64(ev.Seq), string(ev.Type), []byte(ev.Payload), ev.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("postgres: append %s seq %d: %w", ev.VaultID, ev.Seq, domain.ErrConflict)
			}
			return fmt.Errorf("postgres: append %s seq %d: %w", ev.VaultID, ev.Seq, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: commit append %s: %w", vaultID, domain.ErrConflict)
		}
		return fmt.Errorf("postgres: commit append %s: %w", vaultID, err)
	}
	return nil
}

// List returns the events of vaultID with seq > afterSeq in order.
func (s *EventStore) List(ctx context.Context, vaultID string, afterSeq uint64) ([]domain.Event, error) {
	const query = `
		SELECT vault_id, seq, type, payload, created_at
		FROM vault_events
		WHERE vault_id = $1 AND seq > $2
		ORDER BY seq`
	rows, err := s.pool.Query(ctx, query, vaultID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %s: %w", vaultID, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var seq int64
		var typ string
		var payload []byte
		if err := rows.Scan(&ev.VaultID, &seq, &typ, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Type = domain.EventType(typ)
		ev.Payload = payload
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest stored sequence of vaultID, zero if none.
func (s *EventStore) LastSeq(ctx context.Context, vaultID string) (uint64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM vault_events WHERE vault_id = $1`, vaultID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("postgres: last seq %s: %w", vaultID, err)
	}
	return uint64(last), nil
}
