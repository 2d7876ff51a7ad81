package memsource

import (
	"context"
	"errors"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// ErrSimulated is returned by Failing's Get/Set/Delete when the
// corresponding Fail* flag is set, for tests exercising the worker's
// SourceError conversion path.
var ErrSimulated = errors.New("memsource: simulated failure")

// Failing wraps a Source and can be configured to fail specific calls,
// standing in for a flaky external system (spec §4.4 "sources may be slow
// or flaky").
type Failing struct {
	*Source

	FailGet    bool
	FailSet    bool
	FailDelete bool
}

// NewFailing returns a Failing wrapping a fresh, empty Source.
func NewFailing() *Failing {
	return &Failing{Source: New()}
}

func (f *Failing) Get(ctx context.Context, fk idkey.ForeignKey) (*document.Document, error) {
	if f.FailGet {
		return nil, ErrSimulated
	}

	return f.Source.Get(ctx, fk)
}

func (f *Failing) Set(ctx context.Context, fk idkey.ForeignKey, doc *document.Document) (idkey.ForeignKey, error) {
	if f.FailSet {
		return idkey.ForeignKey{}, ErrSimulated
	}

	return f.Source.Set(ctx, fk, doc)
}

func (f *Failing) Delete(ctx context.Context, fk idkey.ForeignKey) error {
	if f.FailDelete {
		return ErrSimulated
	}

	return f.Source.Delete(ctx, fk)
}
