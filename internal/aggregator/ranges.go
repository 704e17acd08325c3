package aggregator

import "github.com/flowcore-project/flowcore/internal/intervalstore"

// MaxLevel is the whitelist interval level: any endpoint touched by an
// interval at this level suppresses emission of overlapping output
// ranges, punching a hole in the aggregated output.
const MaxLevel = 1 << 30

// Range is one maximal contiguous span sharing the same contributing id
// set, produced by CalcIPRanges.
type Range struct {
	Start uint32
	End   uint32
	IDs   map[intervalstore.ID]struct{}
}

func cloneIDSet(s map[intervalstore.ID]struct{}) map[intervalstore.ID]struct{} {
	out := make(map[intervalstore.ID]struct{}, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// CalcIPRanges walks every endpoint in [lo, hi] in ascending order over
// store, emitting the minimal decomposition of that window into maximal
// ranges of constant non-whitelisted id-set, in a single pass. It must
// not materialize ranges outside [lo, hi] or revisit an endpoint twice;
// the diffing pattern in Aggregator depends on that single-pass cost.
func CalcIPRanges(store intervalstore.Store, lo, hi uint32) []Range {
	endpoints := store.QueryEndpoints(lo, hi, false, true)
	if len(endpoints) == 0 {
		return nil
	}

	var ranges []Range
	liveIDs := make(map[intervalstore.ID]struct{})
	oep := endpoints[0]
	first := true

	for _, p := range endpoints {
		covering := store.Cover(p)

		// levelAll is the max level among every interval touching p,
		// including ones starting exactly here: point p itself is
		// covered by those, so a closing segment ending at p must be
		// suppressed if any of them is a whitelist interval.
		//
		// levelBeforeStart excludes intervals starting exactly at p:
		// the segment [oep, p-1] being closed by a start transition
		// never reaches p, so only already-live/ending intervals'
		// levels can suppress it — a whitelist interval that merely
		// begins at p must not punch a hole in what came before it.
		levelAll := 0
		levelBeforeStart := 0
		startIDs := make(map[intervalstore.ID]struct{})
		endIDs := make(map[intervalstore.ID]struct{})
		for _, iv := range covering {
			if iv.Level > levelAll {
				levelAll = iv.Level
			}
			if iv.Start != p && iv.Level > levelBeforeStart {
				levelBeforeStart = iv.Level
			}
			switch {
			case iv.Start == p:
				startIDs[iv.ID] = struct{}{}
			case iv.End == p:
				endIDs[iv.ID] = struct{}{}
			default:
				if first {
					liveIDs[iv.ID] = struct{}{}
				}
			}
		}
		first = false

		if len(startIDs) > 0 {
			if oep != p && len(liveIDs) > 0 && levelBeforeStart < MaxLevel {
				ranges = append(ranges, Range{Start: oep, End: p - 1, IDs: cloneIDSet(liveIDs)})
			}
			oep = p
			for id := range startIDs {
				liveIDs[id] = struct{}{}
			}
		}

		if len(endIDs) > 0 {
			if len(liveIDs) > 0 && levelAll < MaxLevel {
				ranges = append(ranges, Range{Start: oep, End: p, IDs: cloneIDSet(liveIDs)})
			}
			oep = p + 1
			for id := range endIDs {
				delete(liveIDs, id)
			}
		}
	}

	return ranges
}
