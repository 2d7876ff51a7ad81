package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/model"
)

// PutInitial upserts the remembered "initial" document for ik (spec §4.3):
// the entire entry set is replaced atomically so callers never observe a
// half-written document.
func (s *Store) PutInitial(ctx context.Context, ik idkey.InternalKey, doc *document.Document) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putInitialTx(ctx, tx, ik, doc)
	})
}

func putInitialTx(ctx context.Context, tx *sql.Tx, ik idkey.InternalKey, doc *document.Document) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM initial_document_entries WHERE internal_key_id = ?`, int64(ik.ID)); err != nil {
		return fmt.Errorf("%w: clearing initial document: %w", model.ErrStoreUnavailable, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO initial_document_entries (internal_key_id, seq, path, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: preparing initial document insert: %w", model.ErrStoreUnavailable, err)
	}
	defer stmt.Close()

	for seq, p := range doc.Paths() {
		v, _ := doc.Get(p)

		if _, err := stmt.ExecContext(ctx, int64(ik.ID), seq, encodePath(p), v); err != nil {
			return fmt.Errorf("%w: inserting initial document entry: %w", model.ErrStoreUnavailable, err)
		}
	}

	return nil
}

// GetInitial returns the remembered initial document for ik, or nil if
// none has ever been stored (spec §4.3).
func (s *Store) GetInitial(ctx context.Context, ik idkey.InternalKey) (*document.Document, error) {
	return getInitial(ctx, s.db, ik)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getInitial(ctx context.Context, q querier, ik idkey.InternalKey) (*document.Document, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT path, value FROM initial_document_entries WHERE internal_key_id = ? ORDER BY seq`,
		int64(ik.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: reading initial document: %w", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	doc := document.New()
	found := false

	for rows.Next() {
		found = true

		var pathStr, value string

		if err := rows.Scan(&pathStr, &value); err != nil {
			return nil, fmt.Errorf("%w: scanning initial document entry: %w", model.ErrStoreUnavailable, err)
		}

		p, err := decodePath(pathStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvariantViolation, err)
		}

		doc.Set(p, value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating initial document: %w", model.ErrStoreUnavailable, err)
	}

	if !found {
		return nil, nil
	}

	return doc, nil
}

// internalKeyExists reports whether ik has a row, used to enforce
// invariant 1/2 in callers that need to distinguish "never seen" from
// "empty document".
func internalKeyExists(ctx context.Context, tx *sql.Tx, ik idkey.InternalKey) (bool, error) {
	var id int64

	row := tx.QueryRowContext(ctx, `SELECT id FROM internal_keys WHERE id = ?`, int64(ik.ID))

	switch err := row.Scan(&id); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: checking internal key: %w", model.ErrStoreUnavailable, err)
	default:
		return true, nil
	}
}
