package document

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DocumentPath is a non-empty ordered sequence of path segments identifying
// a leaf value within a Document. Two paths are equal iff they have the
// same length and pairwise-equal, NFC-normalized segments — sources that
// return differently-composed Unicode in an otherwise identical path must
// never manufacture a spurious diff.
type DocumentPath []string

// NewPath builds a DocumentPath from segments, normalizing each one.
// Panics if segments is empty: an empty path is never valid input to the
// algebra (callers construct paths from configuration or decoded wire
// data, never from arbitrary user strings).
func NewPath(segments ...string) DocumentPath {
	if len(segments) == 0 {
		panic("document: path must have at least one segment")
	}

	p := make(DocumentPath, len(segments))
	for i, s := range segments {
		p[i] = norm.NFC.String(s)
	}

	return p
}

// Equal reports whether p and other denote the same path.
func (p DocumentPath) Equal(other DocumentPath) bool {
	if len(p) != len(other) {
		return false
	}

	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// Compare orders paths lexicographically, segment by segment; a path that
// is a strict prefix of another sorts first. This is the ordering diff()
// uses to emit deterministic Delete and Insert lists (spec §4.1).
func (p DocumentPath) Compare(other DocumentPath) int {
	for i := 0; i < len(p) && i < len(other); i++ {
		if p[i] != other[i] {
			if p[i] < other[i] {
				return -1
			}

			return 1
		}
	}

	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}

// String renders the path for logging and error messages.
func (p DocumentPath) String() string {
	return strings.Join(p, "/")
}

// key returns a canonical, collision-free string usable as a map key.
// Segments are length-prefixed so that no concatenation of segment
// boundaries is ambiguous, regardless of what characters a segment
// contains.
func (p DocumentPath) key() string {
	var b strings.Builder

	for _, s := range p {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}

	return b.String()
}

// Clone returns an independent copy of the path.
func (p DocumentPath) Clone() DocumentPath {
	c := make(DocumentPath, len(p))
	copy(c, p)

	return c
}
