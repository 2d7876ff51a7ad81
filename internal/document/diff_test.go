package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docFrom(t *testing.T, pairs map[string]string) *Document {
	t.Helper()

	d := New()
	for k, v := range pairs {
		d.Set(NewPath(k), v)
	}

	return d
}

func TestComputeApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		from map[string]string
		to   map[string]string
	}{
		{"empty to empty", map[string]string{}, map[string]string{}},
		{"add fields", map[string]string{"name": "Alice"}, map[string]string{"name": "Alice", "city": "A"}},
		{"remove fields", map[string]string{"name": "Alice", "city": "A"}, map[string]string{"name": "Alice"}},
		{"change value", map[string]string{"x": "0"}, map[string]string{"x": "1"}},
		{"disjoint", map[string]string{"a": "1"}, map[string]string{"b": "2"}},
		{"identical", map[string]string{"a": "1"}, map[string]string{"a": "1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			from := docFrom(t, tc.from)
			to := docFrom(t, tc.to)

			d := Compute(from, to)
			got := Apply(d, from)

			assert.True(t, got.Equal(to), "apply(diff(from,to), from) should equal to; got %s want %s", got, to)
		})
	}
}

func TestComputeOpOrdering(t *testing.T) {
	from := docFrom(t, map[string]string{"b": "1", "a": "1", "c": "1"})
	to := docFrom(t, map[string]string{"d": "2", "a": "1"})

	d := Compute(from, to)

	require.Len(t, d.Ops, 3)
	// Deletes first, lexicographic: b, c.
	assert.Equal(t, OpDelete, d.Ops[0].Kind)
	assert.Equal(t, DocumentPath{"b"}, d.Ops[0].Path)
	assert.Equal(t, OpDelete, d.Ops[1].Kind)
	assert.Equal(t, DocumentPath{"c"}, d.Ops[1].Path)
	// Then inserts, lexicographic: d.
	assert.Equal(t, OpInsert, d.Ops[2].Kind)
	assert.Equal(t, DocumentPath{"d"}, d.Ops[2].Path)
}

func TestApplyIdempotentOnWellFormedDiff(t *testing.T) {
	from := docFrom(t, map[string]string{"x": "0"})
	to := docFrom(t, map[string]string{"x": "1", "y": "2"})
	d := Compute(from, to)

	once := Apply(d, from)
	twice := Apply(d, once)

	assert.True(t, once.Equal(twice))
}

func TestInsertOverwritesExistingPath(t *testing.T) {
	d := New()
	p := NewPath("x")
	d.Set(p, "1")
	d.Set(p, "2")

	v, ok := d.Get(p)
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, d.Len())
}

func TestDeleteOfAbsentPathIsNoOp(t *testing.T) {
	d := docFrom(t, map[string]string{"a": "1"})
	before := d.Clone()

	d.Delete(NewPath("missing"))

	assert.True(t, d.Equal(before))
}

func TestMissingPathIsNotEmptyString(t *testing.T) {
	d := New()

	v, ok := d.Get(NewPath("x"))
	assert.False(t, ok)
	assert.Empty(t, v)

	d.Set(NewPath("y"), "")
	v, ok = d.Get(NewPath("y"))
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestPathNormalizationUnifiesComposedForms(t *testing.T) {
	// "é" as a single codepoint (NFC) vs "e"+combining acute (NFD).
	nfc := NewPath("café")
	nfd := NewPath("café")

	assert.True(t, nfc.Equal(nfd))
}

func TestRelabel(t *testing.T) {
	from := docFrom(t, map[string]string{"a": "1"})
	to := docFrom(t, map[string]string{"a": "2"})
	d := Compute(from, to)

	relabelled := Relabel(d, "db1")
	assert.Equal(t, "db1", relabelled.Label)
	assert.Equal(t, d.Ops, relabelled.Ops)
}
