package memsource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

func TestSource_SetAllocatesID(t *testing.T) {
	ctx := context.Background()
	s := New()

	doc := document.New()
	doc.Set(document.NewPath("name"), "Alice")

	fk, err := s.Set(ctx, idkey.ForeignKey{Entity: "customer", Source: "db1"}, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, fk.ID)

	got, err := s.Get(ctx, fk)
	require.NoError(t, err)
	assert.True(t, doc.Equal(got))
}

func TestSource_GetMissing(t *testing.T) {
	s := New()

	_, err := s.Get(context.Background(), idkey.ForeignKey{ID: "nope"})
	assert.ErrorIs(t, err, datasource.ErrMissing)
}

func TestSource_DeleteThenMissing(t *testing.T) {
	ctx := context.Background()
	s := New()

	fk := idkey.ForeignKey{ID: "1"}
	s.Seed(fk, document.New())

	require.NoError(t, s.Delete(ctx, fk))

	_, err := s.Get(ctx, fk)
	assert.ErrorIs(t, err, datasource.ErrMissing)
}

func TestFailing_SimulatesErrors(t *testing.T) {
	ctx := context.Background()
	f := NewFailing()
	f.FailGet = true

	_, err := f.Get(ctx, idkey.ForeignKey{ID: "1"})
	assert.ErrorIs(t, err, ErrSimulated)
}
