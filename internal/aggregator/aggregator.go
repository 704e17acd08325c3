// Package aggregator implements the IPv4 range aggregator: it folds
// per-source indicator intervals into the minimal set of maximal ranges
// sharing a constant contributing-source set, punching holes for
// whitelisted sources.
package aggregator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flowcore-project/flowcore/internal/indicator"
	"github.com/flowcore-project/flowcore/internal/intervalstore"
	"github.com/flowcore-project/flowcore/internal/node"
)

// recordKey identifies a contributing (indicator, source) pair.
type recordKey struct {
	indicatorStr string
	source       string
}

// contribution is what the aggregator stores per (indicator, source):
// enough to recompute its interval and its merged attribute value.
type contribution struct {
	id         intervalstore.ID
	start, end uint32
	level      int
	added      int64
	updated    int64
	attributes map[string]any
}

// Config is an aggregator node's static configuration.
type Config struct {
	// Whitelists names the sources whose intervals get MaxLevel instead
	// of the normal level 1.
	Whitelists []string
}

// Aggregator is the RangeAggregator node. It owns its IntervalStore
// exclusively, as the concurrency model requires.
type Aggregator struct {
	mu        sync.Mutex
	cfg       Config
	whitelist map[string]struct{}
	store     intervalstore.Store
	emitter   node.Emitter
	contribs  map[recordKey]*contribution
}

// New constructs an Aggregator backed by store, emitting to emitter.
func New(cfg Config, store intervalstore.Store, emitter node.Emitter) *Aggregator {
	wl := make(map[string]struct{}, len(cfg.Whitelists))
	for _, s := range cfg.Whitelists {
		wl[s] = struct{}{}
	}
	return &Aggregator{
		cfg:       cfg,
		whitelist: wl,
		store:     store,
		emitter:   emitter,
		contribs:  make(map[recordKey]*contribution),
	}
}

func (a *Aggregator) levelFor(source string) int {
	if _, ok := a.whitelist[source]; ok {
		return MaxLevel
	}
	return 1
}

// FilteredUpdate upserts the (indicator, source) contribution and emits
// the net change in the aggregated output.
func (a *Aggregator) FilteredUpdate(source, indicatorStr string, value map[string]any, now int64) error {
	typ, _ := value["type"].(string)
	if typ != "IPv4" {
		return nil
	}

	start, end, err := ParseRange(indicatorStr)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := recordKey{indicatorStr: indicatorStr, source: source}
	existing, isUpdate := a.contribs[key]

	level := a.levelFor(source)
	id := intervalstore.ID(uuid.New())
	if isUpdate {
		id = existing.id
	}

	attrs := make(map[string]any, len(value))
	for k, v := range value {
		attrs[k] = v
	}
	delete(attrs, "type")

	c := &contribution{id: id, start: start, end: end, level: level, updated: now, attributes: attrs}
	if isUpdate {
		c.added = existing.added
	} else {
		c.added = now
	}

	// The interval's [start,end,level] is stable across updates to the
	// same (indicator, source) key, so rangesBefore here reflects the
	// store's current topology — it is the pre-image for both the
	// refresh-exception emit below and the post-Put diff.
	rangestart, rangestop := a.searchWindow(start, end)
	rangesBefore := CalcIPRanges(a.store, rangestart, rangestop)

	a.contribs[key] = c

	if isUpdate && level != MaxLevel {
		for _, r := range rangesBefore {
			if err := a.emitRange(r); err != nil {
				return err
			}
		}
	}

	a.store.Put(id, start, end, level)

	rangesAfter := CalcIPRanges(a.store, rangestart, rangestop)
	return a.diffAndEmit(rangesBefore, rangesAfter)
}

// FilteredWithdraw removes the (indicator, source) contribution, if
// present, and emits the net change. An unknown (indicator, source) pair
// is a silent no-op.
func (a *Aggregator) FilteredWithdraw(source, indicatorStr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := recordKey{indicatorStr: indicatorStr, source: source}
	c, ok := a.contribs[key]
	if !ok {
		return nil
	}

	rangestart, rangestop := a.searchWindow(c.start, c.end)
	rangesBefore := CalcIPRanges(a.store, rangestart, rangestop)

	a.store.Delete(c.id, c.start, c.end, c.level)
	delete(a.contribs, key)

	rangesAfter := CalcIPRanges(a.store, rangestart, rangestop)
	return a.diffAndEmit(rangesBefore, rangesAfter)
}

// searchWindow finds the nearest existing endpoints below start-1 and
// above end+1, or the outer bounds of the IPv4 space if none exist.
func (a *Aggregator) searchWindow(start, end uint32) (uint32, uint32) {
	rangestart := uint32(0)
	if start > 0 {
		below := a.store.QueryEndpoints(0, start-1, true, true)
		if len(below) > 0 {
			rangestart = below[0]
		}
	}

	rangestop := ^uint32(0)
	if end < ^uint32(0) {
		above := a.store.QueryEndpoints(end+1, ^uint32(0), false, true)
		if len(above) > 0 {
			rangestop = above[0]
		}
	}
	return rangestart, rangestop
}

func rangeIDSetEqual(a, b map[intervalstore.ID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func findRange(ranges []Range, start, end uint32) (Range, bool) {
	for _, r := range ranges {
		if r.Start == start && r.End == end {
			return r, true
		}
	}
	return Range{}, false
}

// diffAndEmit computes added/removed/changed ranges between before and
// after and emits accordingly.
func (a *Aggregator) diffAndEmit(before, after []Range) error {
	for _, r := range after {
		old, found := findRange(before, r.Start, r.End)
		if !found || !rangeIDSetEqual(old.IDs, r.IDs) {
			if err := a.emitRange(r); err != nil {
				return err
			}
		}
	}
	for _, r := range before {
		if _, found := findRange(after, r.Start, r.End); !found {
			if err := a.emitter.EmitWithdraw(FormatRange(r.Start, r.End)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Aggregator) emitRange(r Range) error {
	value := a.mergedValue(r)
	return a.emitter.EmitUpdate(FormatRange(r.Start, r.End), value)
}

// mergedValue merges every contributing id's attributes via the reserved
// attribute combiner registry, starting with sources=[].
func (a *Aggregator) mergedValue(r Range) map[string]any {
	acc := map[string]any{
		"type":    "IPv4",
		"sources": []string{},
	}
	ids := make([]intervalstore.ID, 0, len(r.IDs))
	for id := range r.IDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		for k := range ids[i] {
			if ids[i][k] != ids[j][k] {
				return ids[i][k] < ids[j][k]
			}
		}
		return false
	})
	for _, id := range ids {
		c := a.contributionByID(id)
		if c == nil {
			continue
		}
		acc = indicator.Merge(acc, c.attributes)
	}
	return acc
}

func (a *Aggregator) contributionByID(id intervalstore.ID) *contribution {
	for _, c := range a.contribs {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Get returns a copy of the attributes source last contributed for
// indicatorStr, if present. Other sources' contributions are not merged
// in.
func (a *Aggregator) Get(source, indicatorStr string) (map[string]any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.contribs[recordKey{indicatorStr: indicatorStr, source: source}]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(c.attributes))
	for k, v := range c.attributes {
		out[k] = v
	}
	return out, true
}

// GetAll returns every (indicator, value) pair contributed by source.
func (a *Aggregator) GetAll(source string) map[string]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]map[string]any)
	for key, c := range a.contribs {
		if key.source != source {
			continue
		}
		attrs := make(map[string]any, len(c.attributes))
		for k, v := range c.attributes {
			attrs[k] = v
		}
		out[key.indicatorStr] = attrs
	}
	return out
}

// GetRange returns every (indicator, value) pair contributed by source
// whose address range falls within [fromKey, toKey].
func (a *Aggregator) GetRange(source string, fromKey, toKey uint32) map[string]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]map[string]any)
	for key, c := range a.contribs {
		if key.source != source {
			continue
		}
		if c.start < fromKey || c.end > toKey {
			continue
		}
		attrs := make(map[string]any, len(c.attributes))
		for k, v := range c.attributes {
			attrs[k] = v
		}
		out[key.indicatorStr] = attrs
	}
	return out
}
