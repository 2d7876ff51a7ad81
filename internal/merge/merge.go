// Package merge implements the pluggable conflict arbiter that partitions a
// set of per-source diffs, computed against the same initial document, into
// one accepted diff to apply everywhere and one rejected diff per source
// (spec §4.2).
package merge

import (
	"sort"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// Policy partitions diffs into accepted and rejected operations. A policy
// must be pure: it inspects only the diffs and the initial document passed
// to it, never external state, so that Merge is deterministic and safe to
// call outside any lock.
type Policy interface {
	// Merge takes one diff per source (diffs[i] is source sources[i]'s diff
	// against initial) and returns one accepted diff to apply everywhere,
	// plus one rejected diff per source in the same order as diffs.
	Merge(initial *document.Document, sources []idkey.SourceName, diffs []document.Diff[idkey.SourceName]) (accepted document.Diff[document.Unit], rejected []document.Diff[idkey.SourceName])
}

// pathConflict records, for one contested path, which source(s) asserted
// which operation.
type pathConflict struct {
	// opsBySource maps an index into sources/diffs to the op that source
	// asserted on this path.
	opsBySource map[int]document.Op
}

// collectByPath groups every op across every source's diff by path, so a
// policy can decide per-path without re-scanning all diffs for every
// decision.
func collectByPath(diffs []document.Diff[idkey.SourceName]) map[string]*pathConflict {
	byKey := make(map[string]*pathConflict)

	for srcIdx, d := range diffs {
		for _, op := range d.Ops {
			key := op.Path.String() + "\x00" // distinguishable from Compare ties; String() is injective enough for grouping purposes here
			pc, ok := byKey[key]

			if !ok {
				pc = &pathConflict{opsBySource: make(map[int]document.Op)}
				byKey[key] = pc
			}

			pc.opsBySource[srcIdx] = op
		}
	}

	return byKey
}

// isConflicted reports whether the ops asserted on one path by two or more
// sources disagree: an Insert with a different value than another source's
// Insert, or a Delete alongside an Insert on the same path; two Deletes
// agree (spec
// §4.2: "A diff-op pair (p, v) from source S conflicts iff some other
// source has an Insert on path p with a different value or a Delete on p").
func isConflicted(ops map[int]document.Op) bool {
	if len(ops) < 2 {
		return false
	}

	var first document.Op
	i := 0

	for _, op := range ops {
		if i == 0 {
			first = op
		} else if !sameOp(first, op) {
			return true
		}

		i++
	}

	return false
}

func sameOp(a, b document.Op) bool {
	if a.Kind != b.Kind {
		return false // a Delete alongside anything else is always a conflict
	}

	if a.Kind == document.OpDelete {
		return true // two Deletes on the same path never conflict
	}

	return a.Value == b.Value
}

// sortedPathKeys returns the keys of byPath in DocumentPath order, using
// the path carried by an arbitrary op under that key (all ops under a key
// share the same path by construction).
func sortedPathKeys(byPath map[string]*pathConflict, pathOf map[string]document.DocumentPath) []string {
	keys := make([]string, 0, len(byPath))
	for k := range byPath {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return pathOf[keys[i]].Compare(pathOf[keys[j]]) < 0
	})

	return keys
}

func pathsOf(byPath map[string]*pathConflict) map[string]document.DocumentPath {
	out := make(map[string]document.DocumentPath, len(byPath))

	for _, pc := range byPath {
		for _, op := range pc.opsBySource {
			out[keyFor(op)] = op.Path
			break
		}
	}

	return out
}

func keyFor(op document.Op) string {
	return op.Path.String() + "\x00"
}

// Merge is the package-level entry point matching spec §4.2's
// merge(policy, [diffs]) signature. It delegates to the policy for the
// per-path decision and assembles the accepted/rejected results.
func Merge(policy Policy, initial *document.Document, sources []idkey.SourceName, diffs []document.Diff[idkey.SourceName]) (document.Diff[document.Unit], []document.Diff[idkey.SourceName]) {
	return policy.Merge(initial, sources, diffs)
}

// decision is what a concrete policy returns for one contested (or
// uncontested) path: which op, if any, to accept, and which sources'
// ops on that path to reject.
type decision struct {
	accept   *document.Op
	rejected map[int]document.Op // srcIdx -> op
}

// decideFunc is the per-path hook every built-in policy implements.
// conflicted reports whether isConflicted returned true for this path.
type decideFunc func(pc *pathConflict, conflicted bool) decision

// runPolicy is the shared assembly loop behind every built-in Policy: group
// ops by path, ask decide for each path's outcome, and build the
// accepted/rejected diffs. Built-in policies differ only in decide.
func runPolicy(sources []idkey.SourceName, diffs []document.Diff[idkey.SourceName], decide decideFunc) (document.Diff[document.Unit], []document.Diff[idkey.SourceName]) {
	byPath := collectByPath(diffs)
	paths := pathsOf(byPath)
	keys := sortedPathKeys(byPath, paths)

	accepted := document.Diff[document.Unit]{}
	rejected := make([]document.Diff[idkey.SourceName], len(sources))

	for i := range rejected {
		rejected[i] = document.Diff[idkey.SourceName]{Label: sources[i]}
	}

	for _, k := range keys {
		pc := byPath[k]
		conflicted := isConflicted(pc.opsBySource)

		d := decide(pc, conflicted)

		if d.accept != nil {
			accepted.Ops = append(accepted.Ops, *d.accept)
		}

		for srcIdx, op := range d.rejected {
			rejected[srcIdx].Ops = append(rejected[srcIdx].Ops, op)
		}
	}

	return accepted, rejected
}
