package merge

import (
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// rejectPolicy refuses to accept any operation whose path starts with one
// of a configured set of prefixes, regardless of whether that path is
// otherwise conflicted. Every other path behaves as under IgnoreConflicts
// (spec §4.2).
type rejectPolicy struct {
	prefixes []document.DocumentPath
}

// Reject returns a policy that blacklists the given path prefixes from
// ever being applied, even when uncontested.
func Reject(prefixes ...document.DocumentPath) Policy {
	return rejectPolicy{prefixes: prefixes}
}

func (p rejectPolicy) Merge(_ *document.Document, sources []idkey.SourceName, diffs []document.Diff[idkey.SourceName]) (document.Diff[document.Unit], []document.Diff[idkey.SourceName]) {
	decide := func(pc *pathConflict, conflicted bool) decision {
		if p.hasBlockedPrefix(pc) {
			return decision{rejected: pc.opsBySource}
		}

		if !conflicted {
			return decision{accept: soleOp(pc)}
		}

		return decision{rejected: pc.opsBySource}
	}

	return runPolicy(sources, diffs, decide)
}

func (p rejectPolicy) hasBlockedPrefix(pc *pathConflict) bool {
	for _, op := range pc.opsBySource {
		for _, prefix := range p.prefixes {
			if hasPrefix(op.Path, prefix) {
				return true
			}
		}

		return false // every op in pc shares the same path; one check suffices
	}

	return false
}

func hasPrefix(path, prefix document.DocumentPath) bool {
	if len(prefix) > len(path) {
		return false
	}

	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}

	return true
}
