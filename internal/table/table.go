// Package table defines the IndicatorTable collaborator interface: the
// keyed store of indicator records a node owns, with secondary indexes
// over reserved numeric fields so the poller and age-out workers can scan
// for due work without a full table walk.
package table

import (
	"iter"

	"github.com/flowcore-project/flowcore/internal/indicator"
)

// Known index names, matching the reserved record fields the poller and
// age-out worker scan.
const (
	IndexAgeOut    = "_age_out"
	IndexWithdrawn = "_withdrawn"
	IndexLastRun   = "_last_run"
)

// QueryOptions bounds a Query call. FromKey/ToKey are inclusive and take
// effect only when HasFrom/HasTo is set; a side whose flag is false is
// unbounded. Reverse walks the index descending.
type QueryOptions struct {
	FromKey      int64
	ToKey        int64
	HasFrom      bool
	HasTo        bool
	Reverse      bool
	IncludeValue bool
}

// IndicatorTable is the keyed store a node owns exclusively. Get/Put/
// Delete address records by their feed key; CreateIndex registers a
// secondary index over one of the known reserved fields; Query scans
// that index within bounds, ascending by default.
type IndicatorTable interface {
	Get(key string) (*indicator.Record, bool)
	Put(key string, rec *indicator.Record) error
	Delete(key string) error
	CreateIndex(attr string) error
	Query(index string, opts QueryOptions) iter.Seq2[string, *indicator.Record]
	NumIndicators() int
}
