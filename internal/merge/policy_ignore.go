package merge

import (
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// ignorePolicy rejects every op on a conflicted path and accepts every
// non-conflicted op. It is total — every possible input diff set produces
// some result, never an error — and is the default policy (spec §4.2).
type ignorePolicy struct{}

// IgnoreConflicts returns the default merge policy: reject on conflict,
// accept everything else.
func IgnoreConflicts() Policy {
	return ignorePolicy{}
}

func (ignorePolicy) Merge(_ *document.Document, sources []idkey.SourceName, diffs []document.Diff[idkey.SourceName]) (document.Diff[document.Unit], []document.Diff[idkey.SourceName]) {
	return runPolicy(sources, diffs, decideIgnore)
}

func decideIgnore(pc *pathConflict, conflicted bool) decision {
	if !conflicted {
		return decision{accept: soleOp(pc)}
	}

	return decision{rejected: pc.opsBySource}
}

// soleOp returns the single op in an uncontested pathConflict.
func soleOp(pc *pathConflict) *document.Op {
	for _, op := range pc.opsBySource {
		o := op
		return &o
	}

	return nil
}
