package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stablekit/cdp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All balances are stored as NUMERIC and round-tripped through strings to
// preserve 18-decimal integer precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetPosition(ctx context.Context, account string) (*model.Position, error) {
	p := model.NewPosition(account)
	var collateral, debt string

	err := s.pool.QueryRow(ctx,
		`SELECT collateral::TEXT, debt::TEXT, updated_at
		 FROM positions WHERE account = $1`, account).
		Scan(&collateral, &debt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Implicit zero state: accounts exist on first use.
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", account, err)
	}

	p.Collateral = mustParseNumeric(collateral)
	p.Debt = mustParseNumeric(debt)
	return p, nil
}

func (s *PostgresStore) PutPosition(ctx context.Context, position *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (account, collateral, debt, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (account) DO UPDATE
		 SET collateral = EXCLUDED.collateral,
		     debt = EXCLUDED.debt,
		     updated_at = EXCLUDED.updated_at`,
		position.Account, position.Collateral.String(), position.Debt.String(),
		position.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, collateral::TEXT, debt::TEXT, updated_at
		 FROM positions ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var collateral, debt string
		if err := rows.Scan(&p.Account, &collateral, &debt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Collateral = mustParseNumeric(collateral)
		p.Debt = mustParseNumeric(debt)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, account, op, collateral_delta, debt_delta, health_factor, initiator, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		e.ID, e.Account, e.Op,
		e.CollateralDelta.String(), e.DebtDelta.String(), e.HealthFactor.String(),
		e.Initiator, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account, op, collateral_delta::TEXT, debt_delta::TEXT, health_factor::TEXT, initiator, timestamp
		 FROM ledger_entries
		 WHERE account = $1 OR initiator = $1
		 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var collateralDelta, debtDelta, healthFactor string

		if err := rows.Scan(&e.ID, &e.Account, &e.Op,
			&collateralDelta, &debtDelta, &healthFactor,
			&e.Initiator, &e.Timestamp); err != nil {
			return nil, err
		}

		e.CollateralDelta = mustParseNumeric(collateralDelta)
		e.DebtDelta = mustParseNumeric(debtDelta)
		e.HealthFactor = mustParseNumeric(healthFactor)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// mustParseNumeric converts a NUMERIC::TEXT column to big.Int. Values were
// written from big.Int strings, so a parse failure means storage corruption;
// fall back to zero rather than poisoning arithmetic with nil.
func mustParseNumeric(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
