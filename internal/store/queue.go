package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/retcon-sync/retcon/internal/model"
)

// dequeuePollInterval is how often Dequeue re-polls the database while
// waiting for a work item to become available.
const dequeuePollInterval = 200 * time.Millisecond

// Leased is a dequeued work item together with the lease that hides it
// from other consumers until Complete or Abandon is called (spec §4.5).
type Leased struct {
	Item           model.WorkItem
	rowID          int64
	Token          string
	Attempts       int
	CorrelationKey string
}

// Enqueue appends item to the work queue (spec §4.5). Items for the same
// correlation key (InternalKey, or the foreign key before a Create exists)
// are delivered in enqueue order because dispatch is ordered by the row's
// own autoincrementing id.
func (s *Store) Enqueue(ctx context.Context, item model.WorkItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return enqueueTx(ctx, tx, item)
	})
}

func enqueueTx(ctx context.Context, tx *sql.Tx, item model.WorkItem) error {
	key, kind, payload, err := encodeWorkItem(item)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO work_queue (internal_key, sequence, kind, payload, enqueued_at) VALUES (?, 0, ?, ?, ?)`,
		key, kind, payload, nowUnixNano())
	if err != nil {
		return fmt.Errorf("%w: enqueuing work item: %w", model.ErrStoreUnavailable, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: reading new work item id: %w", model.ErrStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE work_queue SET sequence = ? WHERE id = ?`, id, id); err != nil {
		return fmt.Errorf("%w: sequencing work item: %w", model.ErrStoreUnavailable, err)
	}

	return nil
}

// Dequeue blocks until a work item is available or ctx is done, leases it
// for leaseDuration, and returns it (spec §4.5). Callers should derive ctx
// with a deadline to get the "blocks up to a bounded interval" behavior
// spec.md describes.
func (s *Store) Dequeue(ctx context.Context, leaseDuration time.Duration) (*Leased, error) {
	ticker := time.NewTicker(dequeuePollInterval)
	defer ticker.Stop()

	for {
		leased, err := s.tryDequeue(ctx, leaseDuration)
		if err != nil {
			return nil, err
		}

		if leased != nil {
			return leased, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (s *Store) tryDequeue(ctx context.Context, leaseDuration time.Duration) (*Leased, error) {
	var leased *Leased

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowUnixNano()

		row := tx.QueryRowContext(ctx, `
			SELECT id, internal_key, kind, payload, attempts
			FROM work_queue
			WHERE leased_until <= ?
			ORDER BY sequence ASC
			LIMIT 1`, now)

		var (
			id       int64
			key      string
			kind     string
			payload  string
			attempts int
		)

		switch err := row.Scan(&id, &key, &kind, &payload, &attempts); {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return fmt.Errorf("%w: dequeuing work item: %w", model.ErrStoreUnavailable, err)
		}

		item, err := decodeWorkItem(kind, payload)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrInvariantViolation, err)
		}

		token := uuid.New().String()
		leasedUntil := now + leaseDuration.Nanoseconds()

		res, err := tx.ExecContext(ctx, `
			UPDATE work_queue SET lease_token = ?, leased_until = ? WHERE id = ? AND leased_until <= ?`,
			token, leasedUntil, id, now)
		if err != nil {
			return fmt.Errorf("%w: leasing work item: %w", model.ErrStoreUnavailable, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: checking lease result: %w", model.ErrStoreUnavailable, err)
		}

		if affected == 0 {
			// Another connection leased this row between our SELECT and
			// UPDATE; leave leased nil so Dequeue polls again.
			return nil
		}

		leased = &Leased{Item: item, rowID: id, Token: token, Attempts: attempts, CorrelationKey: key}

		return nil
	})

	return leased, err
}

// Complete removes a successfully processed item from the queue (spec
// §4.5).
func (s *Store) Complete(ctx context.Context, lease *Leased) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM work_queue WHERE id = ? AND lease_token = ?`, lease.rowID, lease.Token)
	if err != nil {
		return fmt.Errorf("%w: completing work item: %w", model.ErrStoreUnavailable, err)
	}

	return nil
}

// Abandon returns the item to the head of the queue with an incremented
// attempt counter, releasing its lease immediately so it is eligible for
// redelivery. When attempts reach retryCap, the item instead moves to the
// dead-letter table (spec §4.5).
func (s *Store) Abandon(ctx context.Context, lease *Leased, cause error, retryCap int) (deadLettered bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		attempts := lease.Attempts + 1

		if attempts >= retryCap {
			if err := moveToDeadLetter(ctx, tx, lease, attempts, cause); err != nil {
				return err
			}

			deadLettered = true

			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE work_queue SET attempts = ?, lease_token = NULL, leased_until = 0 WHERE id = ?`,
			attempts, lease.rowID); err != nil {
			return fmt.Errorf("%w: abandoning work item: %w", model.ErrStoreUnavailable, err)
		}

		return nil
	})

	return deadLettered, err
}

// DeadLetter moves lease straight to the dead-letter table regardless of
// its attempt count, for InvariantViolation errors (spec §7: "not
// retried") — the only abandon path that must never come back around for
// redelivery.
func (s *Store) DeadLetter(ctx context.Context, lease *Leased, cause error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return moveToDeadLetter(ctx, tx, lease, lease.Attempts+1, cause)
	})
}

func moveToDeadLetter(ctx context.Context, tx *sql.Tx, lease *Leased, attempts int, cause error) error {
	var (
		internalKey string
		kind        string
		payload     string
		enqueuedAt  int64
	)

	row := tx.QueryRowContext(ctx, `
		SELECT internal_key, kind, payload, enqueued_at FROM work_queue WHERE id = ?`, lease.rowID)
	if err := row.Scan(&internalKey, &kind, &payload, &enqueuedAt); err != nil {
		return fmt.Errorf("%w: reading item for dead-letter: %w", model.ErrStoreUnavailable, err)
	}

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letter (internal_key, kind, payload, enqueued_at, attempts, last_error, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		internalKey, kind, payload, enqueuedAt, attempts, lastErr, nowUnixNano()); err != nil {
		return fmt.Errorf("%w: inserting dead-letter row: %w", model.ErrStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ?`, lease.rowID); err != nil {
		return fmt.Errorf("%w: removing dead-lettered item: %w", model.ErrStoreUnavailable, err)
	}

	return nil
}

// QueueDepth returns the number of items currently in the work queue
// (including leased-but-not-yet-complete items), for the queue.depth gauge
// (SPEC_FULL.md §4.8).
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_queue`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: reading queue depth: %w", model.ErrStoreUnavailable, err)
	}

	return n, nil
}
