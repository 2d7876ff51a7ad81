// Package idkey defines the identifiers that tie a document to the sources
// that mirror it and to Retcon's own internal bookkeeping.
package idkey

import "fmt"

// EntityName is a short ASCII label naming a kind of business object (e.g.
// "customer") mirrored across sources.
type EntityName string

// SourceName is a short ASCII label naming one configured external system
// holding a copy of an entity. The pair (EntityName, SourceName) identifies
// a configured data source.
type SourceName string

// ForeignKey is an identifier issued by a source. Retcon treats the ID
// field as opaque — it never parses or interprets it.
type ForeignKey struct {
	Entity EntityName
	Source SourceName
	ID     string
}

// String renders the foreign key for logging and error messages.
func (fk ForeignKey) String() string {
	return fmt.Sprintf("%s/%s/%s", fk.Entity, fk.Source, fk.ID)
}

// InternalKey is an identifier minted by Retcon, unique within an entity.
// It is created when a foreign key is first seen and destroyed only by an
// explicit delete flow.
type InternalKey struct {
	Entity EntityName
	ID     uint64
}

// String renders the internal key for logging, error messages, and as the
// work-queue correlation key of Apply items, which the reconciliation
// Locker locks on (internal/reconcile).
func (ik InternalKey) String() string {
	return fmt.Sprintf("%s#%d", ik.Entity, ik.ID)
}

// IsZero reports whether ik is the zero value (never a valid minted key,
// since IDs start at 1).
func (ik InternalKey) IsZero() bool {
	return ik.ID == 0
}
