// Package store defines the persistence interface for the debt engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/stablekit/cdp-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Position state ---

	// GetPosition retrieves an account's position. Absent accounts return
	// the implicit zero state, never an error: positions are created on
	// first use.
	GetPosition(ctx context.Context, account string) (*model.Position, error)

	// PutPosition persists an account's position, creating it if needed.
	PutPosition(ctx context.Context, position *model.Position) error

	// ListPositions returns all known positions.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Immutable operation ledger ---

	// InsertLedgerEntry appends an immutable operation record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByAccount returns all committed operations touching
	// an account, oldest first.
	GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error)
}
