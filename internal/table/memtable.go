package table

import (
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/flowcore-project/flowcore/internal/indicator"
)

// fieldOf extracts the indexed int64 value for a record, returning false
// if the field is unset (only possible for _withdrawn).
type fieldOf func(rec *indicator.Record) (int64, bool)

var knownFields = map[string]fieldOf{
	IndexAgeOut: func(rec *indicator.Record) (int64, bool) { return rec.AgeOut, true },
	IndexWithdrawn: func(rec *indicator.Record) (int64, bool) {
		if rec.Withdrawn == nil {
			return 0, false
		}
		return *rec.Withdrawn, true
	},
	IndexLastRun: func(rec *indicator.Record) (int64, bool) { return rec.LastRun, true },
}

type entry struct {
	value int64
	key   string
}

func entryLess(a, b entry) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.key < b.key
}

// index is a single secondary index: an ordered btree of (value, key)
// entries plus the attr accessor used to keep it in sync with Put/Delete.
type index struct {
	field fieldOf
	tree  *btree.BTreeG[entry]
}

// Mem is an in-memory IndicatorTable backed by a plain map for point
// lookups and a btree.BTreeG per secondary index for ordered range scans.
// It is the reference implementation of the collaborator a node owns; a
// durable/disk-indexed table is out of scope.
type Mem struct {
	mu      sync.RWMutex
	records map[string]*indicator.Record
	indexes map[string]*index
}

// NewMem constructs an empty in-memory table.
func NewMem() *Mem {
	return &Mem{
		records: make(map[string]*indicator.Record),
		indexes: make(map[string]*index),
	}
}

// Get returns a clone of the stored record so callers cannot mutate
// table state without going through Put.
func (m *Mem) Get(key string) (*indicator.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Put inserts or replaces the record at key, updating every registered
// index.
func (m *Mem) Put(key string, rec *indicator.Record) error {
	if rec == nil {
		return fmt.Errorf("table: nil record for key %q", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.records[key]; ok {
		m.unindex(key, old)
	}
	stored := rec.Clone()
	m.records[key] = stored
	m.reindex(key, stored)
	return nil
}

// Delete removes the record at key, if present, from the table and every
// index.
func (m *Mem) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.records[key]
	if !ok {
		return nil
	}
	m.unindex(key, old)
	delete(m.records, key)
	return nil
}

// CreateIndex registers a secondary index over one of the known reserved
// fields and backfills it from the current table contents.
func (m *Mem) CreateIndex(attr string) error {
	field, ok := knownFields[attr]
	if !ok {
		return fmt.Errorf("table: unknown index attribute %q", attr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indexes[attr]; exists {
		return nil
	}
	idx := &index{field: field, tree: btree.NewG(32, entryLess)}
	for key, rec := range m.records {
		if v, ok := field(rec); ok {
			idx.tree.ReplaceOrInsert(entry{value: v, key: key})
		}
	}
	m.indexes[attr] = idx
	return nil
}

// NumIndicators returns the number of records currently stored.
func (m *Mem) NumIndicators() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Mem) unindex(key string, rec *indicator.Record) {
	for _, idx := range m.indexes {
		if v, ok := idx.field(rec); ok {
			idx.tree.Delete(entry{value: v, key: key})
		}
	}
}

func (m *Mem) reindex(key string, rec *indicator.Record) {
	for _, idx := range m.indexes {
		if v, ok := idx.field(rec); ok {
			idx.tree.ReplaceOrInsert(entry{value: v, key: key})
		}
	}
}

// Query scans the named index within opts' bounds, yielding keys in
// ascending (or, with Reverse, descending) order. IncludeValue controls
// whether the yielded record is fetched or left nil, letting callers that
// only need keys skip the clone.
func (m *Mem) Query(indexName string, opts QueryOptions) iter.Seq2[string, *indicator.Record] {
	return func(yield func(string, *indicator.Record) bool) {
		m.mu.RLock()
		idx, ok := m.indexes[indexName]
		if !ok {
			m.mu.RUnlock()
			return
		}
		keys := collectKeys(idx.tree, opts)
		m.mu.RUnlock()

		for _, key := range keys {
			var rec *indicator.Record
			if opts.IncludeValue {
				m.mu.RLock()
				if r, ok := m.records[key]; ok {
					rec = r.Clone()
				}
				m.mu.RUnlock()
			}
			if !yield(key, rec) {
				return
			}
		}
	}
}

// maxKeySentinel sorts after any real table key, so an entry built from
// it acts as an inclusive upper bound on a (value, key) tuple regardless
// of which key actually holds that value.
const maxKeySentinel = "\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff"

func collectKeys(tree *btree.BTreeG[entry], opts QueryOptions) []string {
	low := entry{value: math.MinInt64, key: ""}
	if opts.HasFrom {
		low = entry{value: opts.FromKey, key: ""}
	}
	high := entry{value: math.MaxInt64, key: maxKeySentinel}
	if opts.HasTo {
		high = entry{value: opts.ToKey, key: maxKeySentinel}
	}

	var keys []string
	visit := func(e entry) bool {
		keys = append(keys, e.key)
		return true
	}
	if opts.Reverse {
		tree.DescendRange(high, low, visit)
	} else {
		// AscendRange's upper bound is exclusive; high's sentinel key
		// sorts after every real key at the same value, so using high
		// itself still includes every real entry with value <= ToKey.
		tree.AscendRange(low, high, visit)
	}
	return keys
}
