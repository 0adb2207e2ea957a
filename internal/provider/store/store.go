// Package store persists rails and per-capability assignments in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/fees"
	"paycore/internal/provider"
)

// Store is the Postgres provider store
type Store struct {
	db *database.DB
}

var _ provider.Store = (*Store)(nil)

// New creates a new provider store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const providerColumns = `name, display_name, banking, card, bills, direct_debit, enabled, fees, created_at, updated_at`

// List returns every rail ordered by name
func (s *Store) List(ctx context.Context) ([]*provider.Provider, error) {
	rows, err := s.db.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var out []*provider.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns one rail
func (s *Store) Get(ctx context.Context, name provider.Name) (*provider.Provider, error) {
	return scanProvider(s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE name = $1`, name))
}

// Upsert creates a rail or replaces its configuration
func (s *Store) Upsert(ctx context.Context, p *provider.Provider) error {
	if p.Fees == nil {
		p.Fees = fees.Table{}
	}
	if err := p.Fees.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p.Fees)
	if err != nil {
		return fmt.Errorf("marshaling fees: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO providers (name, display_name, banking, card, bills, direct_debit, enabled, fees)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			banking = EXCLUDED.banking,
			card = EXCLUDED.card,
			bills = EXCLUDED.bills,
			direct_debit = EXCLUDED.direct_debit,
			enabled = EXCLUDED.enabled,
			fees = EXCLUDED.fees,
			updated_at = now()
	`, p.Name, p.DisplayName, p.Banking, p.Card, p.Bills, p.DirectDebit, p.Enabled, raw)
	if err != nil {
		return fmt.Errorf("upserting provider %s: %w", p.Name, err)
	}
	return nil
}

// UpdateSchedule replaces one (direction, kind) schedule under a row lock
func (s *Store) UpdateSchedule(ctx context.Context, name provider.Name, dir fees.Direction, kind fees.Kind, sched fees.Schedule) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT fees FROM providers WHERE name = $1 FOR UPDATE`, name).Scan(&raw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", provider.ErrProviderNotFound, name)
			}
			return fmt.Errorf("locking provider: %w", err)
		}

		table := fees.Table{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &table); err != nil {
				return fmt.Errorf("decoding fees: %w", err)
			}
		}
		table.Set(dir, kind, sched)

		updated, err := json.Marshal(table)
		if err != nil {
			return fmt.Errorf("marshaling fees: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE providers SET fees = $2, updated_at = now() WHERE name = $1`, name, updated); err != nil {
			return fmt.Errorf("updating fees: %w", err)
		}
		return nil
	})
}

const assignmentColumns = `capability, provider_name, version, updated_by, updated_at`

// Assignment returns the active rail record for a capability
func (s *Store) Assignment(ctx context.Context, c provider.Capability) (*provider.Assignment, error) {
	return scanAssignment(s.db.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM provider_assignments WHERE capability = $1`, c))
}

// Assignments returns every assignment
func (s *Store) Assignments(ctx context.Context) ([]*provider.Assignment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+assignmentColumns+` FROM provider_assignments ORDER BY capability`)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	defer rows.Close()

	var out []*provider.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SwapAssignment is a compare-and-swap on the assignment version. Exactly
// one of several concurrent callers holding the same version wins.
func (s *Store) SwapAssignment(ctx context.Context, c provider.Capability, to provider.Name, expectedVersion int64, updatedBy string) (*provider.Assignment, error) {
	var row pgx.Row
	if expectedVersion == 0 {
		row = s.db.QueryRow(ctx, `
			INSERT INTO provider_assignments (capability, provider_name, version, updated_by)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (capability) DO NOTHING
			RETURNING `+assignmentColumns, c, to, updatedBy)
	} else {
		row = s.db.QueryRow(ctx, `
			UPDATE provider_assignments
			SET provider_name = $2, version = version + 1, updated_by = $4, updated_at = now()
			WHERE capability = $1 AND version = $3
			RETURNING `+assignmentColumns, c, to, expectedVersion, updatedBy)
	}

	a, err := scanAssignment(row)
	if errors.Is(err, provider.ErrAssignmentNotFound) {
		return nil, fmt.Errorf("%w: %s at version %d", provider.ErrVersionConflict, c, expectedVersion)
	}
	return a, err
}

func scanProvider(row pgx.Row) (*provider.Provider, error) {
	var (
		p   provider.Provider
		raw []byte
	)
	err := row.Scan(&p.Name, &p.DisplayName, &p.Banking, &p.Card, &p.Bills, &p.DirectDebit,
		&p.Enabled, &raw, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, provider.ErrProviderNotFound
		}
		return nil, fmt.Errorf("scanning provider: %w", err)
	}
	p.Fees = fees.Table{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.Fees); err != nil {
			return nil, fmt.Errorf("decoding fees for %s: %w", p.Name, err)
		}
	}
	return &p, nil
}

func scanAssignment(row pgx.Row) (*provider.Assignment, error) {
	var a provider.Assignment
	err := row.Scan(&a.Capability, &a.Provider, &a.Version, &a.UpdatedBy, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, provider.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("scanning assignment: %w", err)
	}
	return &a, nil
}
