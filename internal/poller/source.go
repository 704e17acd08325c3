package poller

import "context"

// Pair is one (indicator, attributes) tuple a FeedSource's ProcessItem
// yields from a single raw item. A raw item may yield zero, one, or
// several pairs.
type Pair struct {
	Indicator  string
	Attributes map[string]any
}

// Iterator is a lazy sequence of raw feed items. Next returns ok=false
// once exhausted; a non-nil error aborts the enclosing poll pass as a
// network/protocol error.
type Iterator interface {
	Next(ctx context.Context) (item any, ok bool, err error)
	Close()
}

// FeedSource is the capability set a concrete driver (e.g. a pull-style
// protocol client) provides to PollerEngine. It replaces the source
// implementation's inheritance from the polling base class with a
// composed collaborator.
type FeedSource interface {
	BuildIterator(ctx context.Context, now int64) (Iterator, error)
	ProcessItem(item any) ([]Pair, error)
}
