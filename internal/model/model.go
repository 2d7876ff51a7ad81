// Package model holds the cross-cutting types shared by the store,
// datasource, and reconcile packages: change notifications, work items,
// and conflict records (spec §3).
package model

import (
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// ChangeNotification is what an external system posts to report that a
// document changed: (entity, source, foreign-id).
type ChangeNotification struct {
	Entity idkey.EntityName
	Source idkey.SourceName
	Foreign string
}

// ForeignKey renders the notification's (entity, source, foreign-id) as a
// ForeignKey for lookups against the identifier store.
func (n ChangeNotification) ForeignKey() idkey.ForeignKey {
	return idkey.ForeignKey{Entity: n.Entity, Source: n.Source, ID: n.Foreign}
}

// DiffID identifies a persisted diff (and, by extension, the ConflictRecord
// built from its unaccepted ops). It is a store-assigned row ID, never
// chosen by a caller.
type DiffID int64

// DiffOpID identifies one persisted operation within a diff.
type DiffOpID int64

// WorkItemKind distinguishes the two shapes a WorkItem can take (spec §3).
type WorkItemKind int

const (
	// WorkProcess carries a ChangeNotification through the Process state
	// machine (spec §4.6).
	WorkProcess WorkItemKind = iota
	// WorkApply carries an operator-approved resolution through the Apply
	// state machine step (spec §4.6).
	WorkApply
)

// WorkItem is the sum type queued by internal/store and dequeued by
// internal/reconcile: Process(ChangeNotification) | Apply(DiffID, Diff).
type WorkItem struct {
	Kind WorkItemKind

	// Populated when Kind == WorkProcess.
	Notification ChangeNotification

	// Populated when Kind == WorkApply.
	DiffID      DiffID
	InternalKey idkey.InternalKey
	Diff        document.Diff[document.Unit]
}

// ConflictCause records why a ConflictRecord exists: a genuine merge
// conflict, or a work item that exhausted its retry budget (spec §7
// ProcessingFailed, supplemented in SPEC_FULL.md §3.1).
type ConflictCause string

const (
	CauseUpdate           ConflictCause = "update"
	CauseProcessingFailed ConflictCause = "processing_failed"
)

// DiffOpRecord pairs a persisted operation with its assigned ID and
// whether the merge policy accepted it.
type DiffOpRecord struct {
	ID       DiffOpID
	Op       document.Op
	Accepted bool
}

// ConflictRecord is a parked diff awaiting human resolution: (DiffID,
// InternalKey, unresolved Diff, ordered list of (DiffOpID, DiffOp)) per
// spec §3. Only the unaccepted ops are "unresolved"; Ops carries every op
// (accepted and rejected) so a client can show the operator the full
// picture, while Unresolved carries just the rejected subset matching the
// wire contract of LIST_CONFLICTS (spec §4.7).
type ConflictRecord struct {
	DiffID      DiffID
	InternalKey idkey.InternalKey
	Document    *document.Document // the document the diff was computed against
	Ops         []DiffOpRecord
	Cause       ConflictCause
}

// Unresolved returns the ops that have not yet been accepted.
func (c ConflictRecord) Unresolved() []DiffOpRecord {
	var out []DiffOpRecord

	for _, op := range c.Ops {
		if !op.Accepted {
			out = append(out, op)
		}
	}

	return out
}

// IsConflicted reports whether any op remains unaccepted (spec §3
// invariant 4: "A DiffID appears in the conflict list iff its ops contain
// at least one unaccepted operation").
func (c ConflictRecord) IsConflicted() bool {
	return len(c.Unresolved()) > 0
}
