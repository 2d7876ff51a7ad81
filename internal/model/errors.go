package model

import (
	"errors"
	"fmt"

	"github.com/retcon-sync/retcon/internal/idkey"
)

// Sentinel errors for the §7 error taxonomy. Use errors.Is to classify an
// error returned from across a package boundary.
var (
	// ErrConfigError is fatal at startup (spec §7 ConfigError).
	ErrConfigError = errors.New("retcon: config error")
	// ErrStoreUnavailable means a store round-trip failed (spec §7). A
	// worker abandons the item, which is redelivered immediately until the
	// retry cap; no backoff delay is applied between attempts, and a failed
	// dequeue is retried at once.
	ErrStoreUnavailable = errors.New("retcon: store unavailable")
	// ErrProtocolError means bad framing, decode failure, or wrong arity
	// on the wire; it never affects the work queue (spec §7).
	ErrProtocolError = errors.New("retcon: protocol error")
	// ErrConflictResolved is returned by resolve when the DiffID no
	// longer exists (spec §7).
	ErrConflictResolved = errors.New("retcon: conflict already resolved")
	// ErrInvariantViolation asserts a store inconsistency; it is logged
	// loudly, abandons the item, and is never retried (spec §7).
	ErrInvariantViolation = errors.New("retcon: invariant violation")
	// ErrStoreConflict is returned by recordForeign when (ik, source) is
	// already bound to a different foreign key (spec §4.3).
	ErrStoreConflict = errors.New("retcon: foreign key already bound")
)

// SourceError wraps a DataSource call failure with the source that
// produced it, so the reconciliation worker can log and account for
// per-source errors without losing the underlying cause (spec §4.4, §7).
type SourceError struct {
	Source idkey.SourceName
	Cause  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("retcon: source %s: %v", e.Source, e.Cause)
}

func (e *SourceError) Unwrap() error {
	return e.Cause
}

// NewSourceError wraps cause as a SourceError for source. A nil cause
// yields a nil *SourceError (so callers can write
// `if err := NewSourceError(s, rawErr); err != nil`).
func NewSourceError(source idkey.SourceName, cause error) error {
	if cause == nil {
		return nil
	}

	return &SourceError{Source: source, Cause: cause}
}
