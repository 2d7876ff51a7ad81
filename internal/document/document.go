// Package document implements the ordered, labelled document model and the
// diff/merge algebra that Retcon reconciles across sources: Document,
// DocumentPath, Diff, DiffOp, diff(), and apply() (spec §4.1).
package document

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// entry is one path/value leaf, kept in insertion order inside Document.
type entry struct {
	path  DocumentPath
	value string
}

// Document is an ordered mapping from DocumentPath to string value.
// Duplicate paths are forbidden — Set overwrites in place rather than
// appending a second entry for the same path. A missing path is distinct
// from a path mapped to the empty string.
type Document struct {
	entries []entry
	index   map[string]int // path.key() -> index into entries
}

// New returns an empty Document.
func New() *Document {
	return &Document{index: make(map[string]int)}
}

// Clone returns a deep copy of d. The algebra never mutates a Document in
// place across a diff/apply boundary — callers that need to preserve an
// "initial" document while computing a new one must Clone first.
func (d *Document) Clone() *Document {
	c := &Document{
		entries: make([]entry, len(d.entries)),
		index:   make(map[string]int, len(d.index)),
	}

	for i, e := range d.entries {
		c.entries[i] = entry{path: e.path.Clone(), value: e.value}
	}

	for k, v := range d.index {
		c.index[k] = v
	}

	return c
}

// Get returns the value at path and whether it is present.
func (d *Document) Get(path DocumentPath) (string, bool) {
	i, ok := d.index[path.key()]
	if !ok {
		return "", false
	}

	return d.entries[i].value, true
}

// Set assigns value to path, overwriting any existing value. If path is
// new, it is appended, preserving the order in which paths were first set.
func (d *Document) Set(path DocumentPath, value string) {
	value = norm.NFC.String(value)

	if i, ok := d.index[path.key()]; ok {
		d.entries[i].value = value
		return
	}

	d.index[path.key()] = len(d.entries)
	d.entries = append(d.entries, entry{path: path.Clone(), value: value})
}

// Delete removes path from the document. Deleting an absent path is a
// no-op, matching the Diff.Apply contract for Delete ops.
func (d *Document) Delete(path DocumentPath) {
	i, ok := d.index[path.key()]
	if !ok {
		return
	}

	copy(d.entries[i:], d.entries[i+1:])
	d.entries = d.entries[:len(d.entries)-1]
	delete(d.index, path.key())

	for j := i; j < len(d.entries); j++ {
		d.index[d.entries[j].path.key()] = j
	}
}

// Paths returns every path currently present, in insertion order.
func (d *Document) Paths() []DocumentPath {
	out := make([]DocumentPath, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.path
	}

	return out
}

// Len returns the number of paths in the document.
func (d *Document) Len() int {
	return len(d.entries)
}

// MarshalJSON renders the document as a path-string -> value object, for
// clients (e.g. retcon-client --json) that need to display document
// contents. Document's own fields are unexported, so this is also what
// keeps a *Document embedded in a larger JSON payload from marshaling to
// an empty object.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(d.entries))

	for _, e := range d.entries {
		out[e.path.String()] = e.value
	}

	return json.Marshal(out)
}

// Equal reports whether d and other map exactly the same set of paths to
// exactly the same values. Document equality is pathwise (spec §3): the
// order entries were set in does not affect equality.
func (d *Document) Equal(other *Document) bool {
	if d.Len() != other.Len() {
		return false
	}

	for k, i := range d.index {
		j, ok := other.index[k]
		if !ok || d.entries[i].value != other.entries[j].value {
			return false
		}
	}

	return true
}

// sortedPaths returns every path present, sorted lexicographically
// (DocumentPath.Compare), for deterministic enumeration such as diff().
func (d *Document) sortedPaths() []DocumentPath {
	paths := d.Paths()
	sort.Slice(paths, func(i, j int) bool {
		return paths[i].Compare(paths[j]) < 0
	})

	return paths
}

// String renders the document for debugging.
func (d *Document) String() string {
	out := "{"

	for i, p := range d.sortedPaths() {
		if i > 0 {
			out += ", "
		}

		v, _ := d.Get(p)
		out += fmt.Sprintf("%s=%q", p, v)
	}

	return out + "}"
}
