package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/model"
)

// CreateInternalKey mints a new InternalKey for entity (spec §4.3). The
// row ID is globally autoincrementing, which trivially satisfies
// "unique within an entity".
func (s *Store) CreateInternalKey(ctx context.Context, entity idkey.EntityName) (idkey.InternalKey, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO internal_keys (entity) VALUES (?)`, string(entity))
	if err != nil {
		return idkey.InternalKey{}, fmt.Errorf("%w: creating internal key: %w", model.ErrStoreUnavailable, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return idkey.InternalKey{}, fmt.Errorf("%w: reading new internal key id: %w", model.ErrStoreUnavailable, err)
	}

	return idkey.InternalKey{Entity: entity, ID: uint64(id)}, nil
}

// LookupInternal resolves a ForeignKey to its InternalKey, if recorded
// (spec §4.3). ok is false and err is nil when no mapping exists.
func (s *Store) LookupInternal(ctx context.Context, fk idkey.ForeignKey) (ik idkey.InternalKey, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT internal_key_id FROM foreign_keys
		WHERE entity = ? AND source = ? AND foreign_id = ?`,
		string(fk.Entity), string(fk.Source), fk.ID)

	var id int64

	switch err := row.Scan(&id); {
	case errors.Is(err, sql.ErrNoRows):
		return idkey.InternalKey{}, false, nil
	case err != nil:
		return idkey.InternalKey{}, false, fmt.Errorf("%w: looking up internal key: %w", model.ErrStoreUnavailable, err)
	}

	return idkey.InternalKey{Entity: fk.Entity, ID: uint64(id)}, true, nil
}

// RecordForeign binds fk to ik (spec §4.3). Returns ErrStoreConflict if
// (ik, fk.Source) is already bound to a different foreign key.
func (s *Store) RecordForeign(ctx context.Context, ik idkey.InternalKey, fk idkey.ForeignKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return recordForeignTx(ctx, tx, ik, fk)
	})
}

func recordForeignTx(ctx context.Context, tx *sql.Tx, ik idkey.InternalKey, fk idkey.ForeignKey) error {
	var existing string

	row := tx.QueryRowContext(ctx, `
		SELECT foreign_id FROM foreign_keys WHERE internal_key_id = ? AND source = ?`,
		int64(ik.ID), string(fk.Source))

	switch err := row.Scan(&existing); {
	case errors.Is(err, sql.ErrNoRows):
		// no existing binding; proceed to insert
	case err != nil:
		return fmt.Errorf("%w: checking existing foreign key: %w", model.ErrStoreUnavailable, err)
	case existing != fk.ID:
		return fmt.Errorf("%w: %s already bound to %q, not %q", model.ErrStoreConflict, fk.Source, existing, fk.ID)
	default:
		return nil // already bound to the same foreign key; idempotent
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO foreign_keys (internal_key_id, entity, source, foreign_id) VALUES (?, ?, ?, ?)`,
		int64(ik.ID), string(fk.Entity), string(fk.Source), fk.ID)
	if err != nil {
		return fmt.Errorf("%w: recording foreign key: %w", model.ErrStoreUnavailable, err)
	}

	return nil
}

// LookupForeign returns the ForeignKey bound to (ik, source), if any
// (spec §4.3).
func (s *Store) LookupForeign(ctx context.Context, ik idkey.InternalKey, source idkey.SourceName) (fk idkey.ForeignKey, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT foreign_id FROM foreign_keys WHERE internal_key_id = ? AND source = ?`,
		int64(ik.ID), string(source))

	var foreignID string

	switch err := row.Scan(&foreignID); {
	case errors.Is(err, sql.ErrNoRows):
		return idkey.ForeignKey{}, false, nil
	case err != nil:
		return idkey.ForeignKey{}, false, fmt.Errorf("%w: looking up foreign key: %w", model.ErrStoreUnavailable, err)
	}

	return idkey.ForeignKey{Entity: ik.Entity, Source: source, ID: foreignID}, true, nil
}

// DeleteInternal removes ik and cascades to its foreign keys, initial
// document, and diffs (spec §4.3 invariant-preserving cascade). Returns
// the number of internal-key rows removed (0 or 1).
func (s *Store) DeleteInternal(ctx context.Context, ik idkey.InternalKey) (int, error) {
	var count int

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM internal_keys WHERE id = ?`, int64(ik.ID))
		if err != nil {
			return fmt.Errorf("%w: deleting internal key: %w", model.ErrStoreUnavailable, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: reading rows affected: %w", model.ErrStoreUnavailable, err)
		}

		count = int(n)

		return nil
	})

	return count, err
}
