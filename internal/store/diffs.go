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

// PutDiff persists diff against ik, recording accepted[i] alongside
// diff.Ops[i], and returns the assigned DiffID (spec §4.3). accepted must
// be the same length as diff.Ops.
func (s *Store) PutDiff(ctx context.Context, ik idkey.InternalKey, diff document.Diff[document.Unit], accepted []bool, cause model.ConflictCause) (model.DiffID, error) {
	if len(accepted) != len(diff.Ops) {
		return 0, fmt.Errorf("%w: accepted has %d entries, diff has %d ops", model.ErrInvariantViolation, len(accepted), len(diff.Ops))
	}

	var diffID model.DiffID

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO diffs (internal_key_id, cause, created_at) VALUES (?, ?, ?)`,
			int64(ik.ID), string(cause), nowUnixNano())
		if err != nil {
			return fmt.Errorf("%w: inserting diff: %w", model.ErrStoreUnavailable, err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: reading new diff id: %w", model.ErrStoreUnavailable, err)
		}

		diffID = model.DiffID(id)

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO diff_ops (diff_id, seq, kind, path, value, accepted) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("%w: preparing diff op insert: %w", model.ErrStoreUnavailable, err)
		}
		defer stmt.Close()

		for i, op := range diff.Ops {
			if _, err := stmt.ExecContext(ctx, id, i, opKindString(op.Kind), encodePath(op.Path), op.Value, boolToInt(accepted[i])); err != nil {
				return fmt.Errorf("%w: inserting diff op: %w", model.ErrStoreUnavailable, err)
			}
		}

		return nil
	})

	return diffID, err
}

// ListConflicts returns every unresolved conflict (spec §4.3): diffs whose
// ops contain at least one unaccepted operation, paired with the document
// the diff was computed against (invariant 4).
func (s *Store) ListConflicts(ctx context.Context) ([]model.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, ik.id, ik.entity, d.cause
		FROM diffs d
		JOIN internal_keys ik ON ik.id = d.internal_key_id
		WHERE d.id IN (SELECT diff_id FROM diff_ops WHERE accepted = 0)
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing conflicts: %w", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	type row struct {
		diffID int64
		ikID   int64
		entity string
		cause  string
	}

	var candidates []row

	for rows.Next() {
		var r row

		if err := rows.Scan(&r.diffID, &r.ikID, &r.entity, &r.cause); err != nil {
			return nil, fmt.Errorf("%w: scanning conflict: %w", model.ErrStoreUnavailable, err)
		}

		candidates = append(candidates, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating conflicts: %w", model.ErrStoreUnavailable, err)
	}

	out := make([]model.ConflictRecord, 0, len(candidates))

	for _, c := range candidates {
		ik := idkey.InternalKey{Entity: idkey.EntityName(c.entity), ID: uint64(c.ikID)}

		ops, err := loadDiffOps(ctx, s.db, model.DiffID(c.diffID))
		if err != nil {
			return nil, err
		}

		doc, err := getInitial(ctx, s.db, ik)
		if err != nil {
			return nil, err
		}

		out = append(out, model.ConflictRecord{
			DiffID:      model.DiffID(c.diffID),
			InternalKey: ik,
			Document:    doc,
			Ops:         ops,
			Cause:       model.ConflictCause(c.cause),
		})
	}

	return out, nil
}

// GetConflict returns the conflict record for diffID regardless of whether
// it still has unaccepted ops, or ok=false if diffID is unknown. Used by
// the RESOLVE handler (spec §4.7) to validate a client's requested op IDs
// and build the Diff to enqueue for Apply.
func (s *Store) GetConflict(ctx context.Context, diffID model.DiffID) (rec model.ConflictRecord, ok bool, err error) {
	var (
		ikID   int64
		entity string
		cause  string
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT ik.id, ik.entity, d.cause
		FROM diffs d
		JOIN internal_keys ik ON ik.id = d.internal_key_id
		WHERE d.id = ?`, int64(diffID))

	switch err := row.Scan(&ikID, &entity, &cause); {
	case errors.Is(err, sql.ErrNoRows):
		return model.ConflictRecord{}, false, nil
	case err != nil:
		return model.ConflictRecord{}, false, fmt.Errorf("%w: loading conflict %d: %w", model.ErrStoreUnavailable, diffID, err)
	}

	ik := idkey.InternalKey{Entity: idkey.EntityName(entity), ID: uint64(ikID)}

	ops, err := loadDiffOps(ctx, s.db, diffID)
	if err != nil {
		return model.ConflictRecord{}, false, err
	}

	doc, err := getInitial(ctx, s.db, ik)
	if err != nil {
		return model.ConflictRecord{}, false, err
	}

	return model.ConflictRecord{
		DiffID:      diffID,
		InternalKey: ik,
		Document:    doc,
		Ops:         ops,
		Cause:       model.ConflictCause(cause),
	}, true, nil
}

func loadDiffOps(ctx context.Context, q querier, diffID model.DiffID) ([]model.DiffOpRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, path, value, accepted FROM diff_ops WHERE diff_id = ? ORDER BY seq`,
		int64(diffID))
	if err != nil {
		return nil, fmt.Errorf("%w: reading diff ops: %w", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []model.DiffOpRecord

	for rows.Next() {
		var (
			id          int64
			kindStr     string
			pathStr     string
			value       string
			acceptedInt int
		)

		if err := rows.Scan(&id, &kindStr, &pathStr, &value, &acceptedInt); err != nil {
			return nil, fmt.Errorf("%w: scanning diff op: %w", model.ErrStoreUnavailable, err)
		}

		kind, err := parseOpKind(kindStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvariantViolation, err)
		}

		path, err := decodePath(pathStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvariantViolation, err)
		}

		out = append(out, model.DiffOpRecord{
			ID:       model.DiffOpID(id),
			Op:       document.Op{Kind: kind, Path: path, Value: value},
			Accepted: acceptedInt != 0,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating diff ops: %w", model.ErrStoreUnavailable, err)
	}

	return out, nil
}

// MarkResolved accepts the given DiffOpIDs, all of which must belong to
// diffID (spec §3 invariant 5, §4.3). Returns ErrConflictResolved if
// diffID has no ops at all (it never existed, or its internal key was
// deleted); a diff whose ops are all accepted already is not rejected.
func (s *Store) MarkResolved(ctx context.Context, diffID model.DiffID, acceptedOpIDs []model.DiffOpID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		owned, err := diffOpIDs(ctx, tx, diffID)
		if err != nil {
			return err
		}

		if len(owned) == 0 {
			return fmt.Errorf("%w: diff %d", model.ErrConflictResolved, diffID)
		}

		for _, opID := range acceptedOpIDs {
			if !owned[opID] {
				return fmt.Errorf("%w: op %d does not belong to diff %d", model.ErrInvariantViolation, opID, diffID)
			}
		}

		stmt, err := tx.PrepareContext(ctx, `UPDATE diff_ops SET accepted = 1 WHERE id = ? AND diff_id = ?`)
		if err != nil {
			return fmt.Errorf("%w: preparing resolve update: %w", model.ErrStoreUnavailable, err)
		}
		defer stmt.Close()

		for _, opID := range acceptedOpIDs {
			if _, err := stmt.ExecContext(ctx, int64(opID), int64(diffID)); err != nil {
				return fmt.Errorf("%w: marking op resolved: %w", model.ErrStoreUnavailable, err)
			}
		}

		return nil
	})
}

// diffOpIDs returns the set of op IDs belonging to diffID, or an empty map
// if diffID has no rows at all (already resolved/never existed — every
// resolvable diff keeps its ops rows, accepted or not, so an empty result
// here means the DiffID is unknown to MarkResolved).
func diffOpIDs(ctx context.Context, tx *sql.Tx, diffID model.DiffID) (map[model.DiffOpID]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM diff_ops WHERE diff_id = ?`, int64(diffID))
	if err != nil {
		return nil, fmt.Errorf("%w: reading diff ops: %w", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make(map[model.DiffOpID]bool)

	for rows.Next() {
		var id int64

		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning diff op id: %w", model.ErrStoreUnavailable, err)
		}

		out[model.DiffOpID(id)] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating diff op ids: %w", model.ErrStoreUnavailable, err)
	}

	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
