// Package intervalstore defines the IntervalStore collaborator: the
// ordered set of (id, start, end, level) intervals the range aggregator
// sweeps to compute its output ranges.
package intervalstore

// ID identifies a contributing interval; the aggregator uses a 16-byte
// opaque id (github.com/google/uuid's representation).
type ID [16]byte

// Interval is one entry in the store: a half-open-on-neither-side IPv4
// endpoint range [Start, End] at a given whitelist Level.
type Interval struct {
	ID    ID
	Start uint32
	End   uint32
	Level int
}

// Store is the ordered interval collection a RangeAggregator owns
// exclusively. Put/Delete mutate the set; QueryEndpoints and Cover
// support the endpoint sweep in internal/aggregator.
type Store interface {
	Put(id ID, start, end uint32, level int)
	Delete(id ID, start, end uint32, level int)
	// QueryEndpoints returns the distinct endpoint values of every
	// interval touching [start, stop], ascending unless reverse is
	// true. includeStart controls whether start itself, if it is an
	// endpoint, is included.
	QueryEndpoints(start, stop uint32, reverse, includeStart bool) []uint32
	// Cover returns every interval covering point, in no particular
	// order.
	Cover(point uint32) []Interval
	// MaxEndpoint returns the largest endpoint currently stored, or
	// (0, false) if the store is empty.
	MaxEndpoint() (uint32, bool)
}
