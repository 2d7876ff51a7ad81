package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

func doc(pairs map[string]string) *document.Document {
	d := document.New()
	for k, v := range pairs {
		d.Set(document.NewPath(k), v)
	}

	return d
}

func diffFor(source idkey.SourceName, from, to *document.Document) document.Diff[idkey.SourceName] {
	return document.Relabel(document.Compute(from, to), source)
}

func TestIgnoreConflictsSingleSourceNeverConflicts(t *testing.T) {
	initial := doc(map[string]string{"x": "0"})
	to := doc(map[string]string{"x": "1"})
	d := diffFor("db1", initial, to)

	accepted, rejected := Merge(IgnoreConflicts(), initial, []idkey.SourceName{"db1"}, []document.Diff[idkey.SourceName]{d})

	require.Len(t, rejected, 1)
	assert.True(t, rejected[0].Empty())
	assert.ElementsMatch(t, d.Ops, accepted.Ops)
}

func TestIgnoreConflictsIdenticalDiffsNeverConflict(t *testing.T) {
	initial := doc(map[string]string{"x": "0"})
	to := doc(map[string]string{"x": "1"})
	d1 := diffFor("db1", initial, to)
	d2 := diffFor("db2", initial, to)

	accepted, rejected := Merge(IgnoreConflicts(), initial, []idkey.SourceName{"db1", "db2"}, []document.Diff[idkey.SourceName]{d1, d2})

	require.Len(t, rejected, 2)
	assert.True(t, rejected[0].Empty())
	assert.True(t, rejected[1].Empty())
	assert.ElementsMatch(t, d1.Ops, accepted.Ops)
}

func TestIgnoreConflictsPartitionsConflictingAndFreePaths(t *testing.T) {
	// Scenario 2 from spec §8: city change is only asserted by db1, age
	// only by db2 — both accepted, no conflict.
	initial := doc(map[string]string{"name": "Alice", "city": "A"})
	db1 := doc(map[string]string{"name": "Alice", "city": "B"})
	db2 := doc(map[string]string{"name": "Alice", "age": "30"})

	d1 := diffFor("db1", initial, db1)
	d2 := diffFor("db2", initial, db2)

	accepted, rejected := Merge(IgnoreConflicts(), initial, []idkey.SourceName{"db1", "db2"}, []document.Diff[idkey.SourceName]{d1, d2})

	require.True(t, rejected[0].Empty())
	require.True(t, rejected[1].Empty())

	result := document.Apply(accepted, initial)
	want := doc(map[string]string{"name": "Alice", "city": "B", "age": "30"})
	assert.True(t, result.Equal(want))
}

func TestIgnoreConflictsRejectsConflictingPath(t *testing.T) {
	// Scenario 3 from spec §8: both sources set x to different values.
	initial := doc(map[string]string{"x": "0"})
	db1 := doc(map[string]string{"x": "1"})
	db2 := doc(map[string]string{"x": "2"})

	d1 := diffFor("db1", initial, db1)
	d2 := diffFor("db2", initial, db2)

	accepted, rejected := Merge(IgnoreConflicts(), initial, []idkey.SourceName{"db1", "db2"}, []document.Diff[idkey.SourceName]{d1, d2})

	assert.True(t, accepted.Empty())
	require.Len(t, rejected[0].Ops, 1)
	require.Len(t, rejected[1].Ops, 1)
	assert.Equal(t, "1", rejected[0].Ops[0].Value)
	assert.Equal(t, "2", rejected[1].Ops[0].Value)
}

func TestTrustSourceAcceptsTrustedOnConflict(t *testing.T) {
	initial := doc(map[string]string{"x": "0"})
	db1 := doc(map[string]string{"x": "1"})
	db2 := doc(map[string]string{"x": "2"})

	d1 := diffFor("db1", initial, db1)
	d2 := diffFor("db2", initial, db2)

	accepted, rejected := Merge(TrustSource("db2"), initial, []idkey.SourceName{"db1", "db2"}, []document.Diff[idkey.SourceName]{d1, d2})

	result := document.Apply(accepted, initial)
	want := doc(map[string]string{"x": "2"})
	assert.True(t, result.Equal(want))
	assert.True(t, rejected[1].Empty())
	require.Len(t, rejected[0].Ops, 1)
}

func TestTrustSourceFallsBackWhenTrustedSilentOnPath(t *testing.T) {
	initial := doc(map[string]string{"x": "0", "y": "0"})
	db1 := doc(map[string]string{"x": "1", "y": "0"})
	db2 := doc(map[string]string{"x": "2", "y": "9"})

	d1 := diffFor("db1", initial, db1)
	d2 := diffFor("db2", initial, db2)

	// Trust db3, which never submitted a diff at all: no path has a
	// trusted op, so the conflicted path (x) is fully rejected and the
	// uncontested path (y) is still accepted.
	accepted, rejected := Merge(TrustSource("db3"), initial, []idkey.SourceName{"db1", "db2"}, []document.Diff[idkey.SourceName]{d1, d2})

	result := document.Apply(accepted, initial)
	assert.Equal(t, "0", mustGet(t, result, "x"))
	assert.Equal(t, "9", mustGet(t, result, "y"))
	require.Len(t, rejected[0].Ops, 1)
	require.Len(t, rejected[1].Ops, 1)
}

func TestIgnoreConflictsBothDeleteNeverConflicts(t *testing.T) {
	// Two sources deleting the same path agree on the outcome and must
	// not be treated as a conflict.
	initial := doc(map[string]string{"x": "0"})
	to := doc(map[string]string{})
	d1 := diffFor("db1", initial, to)
	d2 := diffFor("db2", initial, to)

	accepted, rejected := Merge(IgnoreConflicts(), initial, []idkey.SourceName{"db1", "db2"}, []document.Diff[idkey.SourceName]{d1, d2})

	require.Len(t, rejected, 2)
	assert.True(t, rejected[0].Empty())
	assert.True(t, rejected[1].Empty())
	require.Len(t, accepted.Ops, 1)
	assert.Equal(t, document.OpDelete, accepted.Ops[0].Kind)
}

func TestIgnoreConflictsInsertVsDeleteConflicts(t *testing.T) {
	// db1 deletes x while db2 inserts a different value at x: this must
	// be treated as a conflict, not silently resolved by map iteration
	// order.
	initial := doc(map[string]string{"x": "0"})
	db1 := doc(map[string]string{})
	db2 := doc(map[string]string{"x": "1"})

	d1 := diffFor("db1", initial, db1)
	d2 := diffFor("db2", initial, db2)

	accepted, rejected := Merge(IgnoreConflicts(), initial, []idkey.SourceName{"db1", "db2"}, []document.Diff[idkey.SourceName]{d1, d2})

	assert.True(t, accepted.Empty())
	require.Len(t, rejected[0].Ops, 1)
	require.Len(t, rejected[1].Ops, 1)
	assert.Equal(t, document.OpDelete, rejected[0].Ops[0].Kind)
	assert.Equal(t, document.OpInsert, rejected[1].Ops[0].Kind)
}

func TestRejectBlocksPrefixEvenWithoutConflict(t *testing.T) {
	initial := doc(map[string]string{})
	db1 := doc(map[string]string{"secret": "1"})

	d1 := diffFor("db1", initial, db1)

	accepted, rejected := Merge(Reject(document.NewPath("secret")), initial, []idkey.SourceName{"db1"}, []document.Diff[idkey.SourceName]{d1})

	assert.True(t, accepted.Empty())
	require.Len(t, rejected[0].Ops, 1)
}

func mustGet(t *testing.T, d *document.Document, path string) string {
	t.Helper()

	v, ok := d.Get(document.NewPath(path))
	require.True(t, ok)

	return v
}
