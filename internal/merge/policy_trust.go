package merge

import (
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

// trustPolicy accepts a designated source's operation on every conflicted
// path and rejects everyone else's. Non-conflicted paths behave exactly as
// under IgnoreConflicts (spec §4.2).
type trustPolicy struct {
	trusted idkey.SourceName
}

// TrustSource returns a policy that, on conflict, always defers to the
// named source. If the trusted source has no operation on a given
// conflicted path, no one's operation on that path is accepted — there is
// no other principled winner.
func TrustSource(source idkey.SourceName) Policy {
	return trustPolicy{trusted: source}
}

func (p trustPolicy) Merge(_ *document.Document, sources []idkey.SourceName, diffs []document.Diff[idkey.SourceName]) (document.Diff[document.Unit], []document.Diff[idkey.SourceName]) {
	trustedIdx := -1

	for i, s := range sources {
		if s == p.trusted {
			trustedIdx = i
			break
		}
	}

	decide := func(pc *pathConflict, conflicted bool) decision {
		if !conflicted {
			return decision{accept: soleOp(pc)}
		}

		if trustedIdx < 0 {
			return decision{rejected: pc.opsBySource}
		}

		winner, ok := pc.opsBySource[trustedIdx]
		if !ok {
			return decision{rejected: pc.opsBySource}
		}

		rejected := make(map[int]document.Op, len(pc.opsBySource)-1)

		for idx, op := range pc.opsBySource {
			if idx != trustedIdx {
				rejected[idx] = op
			}
		}

		return decision{accept: &winner, rejected: rejected}
	}

	return runPolicy(sources, diffs, decide)
}
