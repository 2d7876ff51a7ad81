// Package memsource implements an in-memory DataSource driver for tests
// and the one-shot binary's dry runs (SPEC_FULL.md §4.4), grounded on the
// teacher's testutil in-memory fakes convention.
package memsource

import (
	"context"
	"strconv"
	"sync"

	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// Source is an in-memory DataSource. Documents are keyed by foreign ID;
// Set with a zero ForeignKey allocates a new, monotonically increasing
// numeric ID.
type Source struct {
	mu     sync.Mutex
	docs   map[string]*document.Document
	nextID int
}

// New returns a ready-to-use Source. Exported for tests that want direct
// access without going through the registry's Factory indirection.
func New() *Source {
	return &Source{docs: make(map[string]*document.Document)}
}

// Factory returns a datasource.Factory that builds fresh, empty Sources —
// the registration hook for Registry.RegisterFactory("memsource", ...).
func Factory() datasource.Factory {
	return func() datasource.DataSource { return New() }
}

// Init is a no-op: the in-memory driver has no external settings to read.
func (s *Source) Init(_ context.Context, _ map[string]string) error {
	return nil
}

// Get returns a clone of the stored document, or datasource.ErrMissing.
func (s *Source) Get(_ context.Context, fk idkey.ForeignKey) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[fk.ID]
	if !ok {
		return nil, datasource.ErrMissing
	}

	return doc.Clone(), nil
}

// Set stores a clone of doc under fk, allocating a new ID if fk is the
// zero value.
func (s *Source) Set(_ context.Context, fk idkey.ForeignKey, doc *document.Document) (idkey.ForeignKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fk.ID == "" {
		s.nextID++
		fk.ID = strconv.Itoa(s.nextID)
	}

	s.docs[fk.ID] = doc.Clone()

	return fk, nil
}

// Delete removes the document at fk. Deleting an absent key is a no-op.
func (s *Source) Delete(_ context.Context, fk idkey.ForeignKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, fk.ID)

	return nil
}

// Close is a no-op.
func (s *Source) Close() error {
	return nil
}

// Seed directly inserts a document under fk, for test setup that bypasses
// Set's ID allocation.
func (s *Source) Seed(fk idkey.ForeignKey, doc *document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[fk.ID] = doc.Clone()
}
