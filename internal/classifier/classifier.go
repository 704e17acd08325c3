// Package classifier derives the poller's per-indicator action from the
// state of an existing table record, if any, relative to the current poll
// run. The classification is expressed as a tagged enum rather than the
// raw D/F/A/W bits it is built from; callers should switch on the State
// value, not inspect flags directly.
package classifier

import "github.com/flowcore-project/flowcore/internal/indicator"

// State is one of the nine reachable classifications of an indicator
// observed during a poll pass.
type State int

const (
	// NX: the indicator is not present in the table.
	NX State = iota
	// D: present, not in-feed, not aged-out, not withdrawn.
	D
	// DF: present and in-feed.
	DF
	// DA: present, aged-out, not in-feed.
	DA
	// DFA: present, in-feed, aged-out, not withdrawn.
	DFA
	// DW: present, withdrawn, not in-feed.
	DW
	// DFW: present, in-feed, withdrawn.
	DFW
	// DAW: present, aged-out and withdrawn, not in-feed.
	DAW
	// DFAW: present, in-feed, aged-out, and withdrawn.
	DFAW
)

// String names the state for logging.
func (s State) String() string {
	switch s {
	case NX:
		return "NX"
	case D:
		return "D"
	case DF:
		return "DF"
	case DA:
		return "DA"
	case DFA:
		return "DFA"
	case DW:
		return "DW"
	case DFW:
		return "DFW"
	case DAW:
		return "DAW"
	case DFAW:
		return "DFAW"
	default:
		return "invalid"
	}
}

// IsInFeed reports whether the state carries the F flag.
func (s State) IsInFeed() bool {
	switch s {
	case DF, DFA, DFW, DFAW:
		return true
	default:
		return false
	}
}

// Classify derives a State from existing (nil if the indicator is not in
// the table), now, and inFeedThreshold (the poll run's in-feed cutoff).
func Classify(existing *indicator.Record, now, inFeedThreshold int64) State {
	if existing == nil {
		return NX
	}

	d := true
	f := existing.LastRun >= inFeedThreshold
	a := existing.AgeOut < now
	w := existing.IsWithdrawn()

	switch {
	case d && f && a && w:
		return DFAW
	case d && f && w:
		return DFW
	case d && a && w:
		return DAW
	case d && w:
		return DW
	case d && f && a:
		return DFA
	case d && f:
		return DF
	case d && a:
		return DA
	default:
		return D
	}
}
