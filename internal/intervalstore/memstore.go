package intervalstore

import (
	"sync"

	"github.com/google/btree"
)

type endpointEntry struct {
	value uint32
	id    ID
}

func endpointLess(a, b endpointEntry) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return idLess(a.id, b.id)
}

func idLess(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func uint32Less(a, b uint32) bool { return a < b }

// Mem is an in-memory Store. Endpoint ordering is kept in btree.BTreeG
// indexes (one for start endpoints, one for end endpoints, one for the
// distinct endpoint value set used by QueryEndpoints/MaxEndpoint); Cover
// scans the interval set directly, which is acceptable for the in-memory
// reference store but is the first thing a disk-indexed replacement
// should improve on.
type Mem struct {
	mu             sync.RWMutex
	intervals      map[ID]Interval
	starts         *btree.BTreeG[endpointEntry]
	ends           *btree.BTreeG[endpointEntry]
	endpointValues *btree.BTreeG[uint32]
	endpointRefs   map[uint32]int
}

// NewMem constructs an empty in-memory interval store.
func NewMem() *Mem {
	return &Mem{
		intervals:      make(map[ID]Interval),
		starts:         btree.NewG(32, endpointLess),
		ends:           btree.NewG(32, endpointLess),
		endpointValues: btree.NewG(32, uint32Less),
		endpointRefs:   make(map[uint32]int),
	}
}

func (m *Mem) addEndpointRef(v uint32) {
	m.endpointRefs[v]++
	if m.endpointRefs[v] == 1 {
		m.endpointValues.ReplaceOrInsert(v)
	}
}

func (m *Mem) removeEndpointRef(v uint32) {
	m.endpointRefs[v]--
	if m.endpointRefs[v] <= 0 {
		delete(m.endpointRefs, v)
		m.endpointValues.Delete(v)
	}
}

// Put inserts or replaces the interval identified by id.
func (m *Mem) Put(id ID, start, end uint32, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.intervals[id]; ok {
		m.removeLocked(id, old)
	}
	m.intervals[id] = Interval{ID: id, Start: start, End: end, Level: level}
	m.starts.ReplaceOrInsert(endpointEntry{value: start, id: id})
	m.ends.ReplaceOrInsert(endpointEntry{value: end, id: id})
	m.addEndpointRef(start)
	m.addEndpointRef(end)
}

// Delete removes the interval identified by id. start/end/level are
// accepted to match the collaborator signature but id alone is
// authoritative for locating the stored interval.
func (m *Mem) Delete(id ID, _, _ uint32, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.intervals[id]
	if !ok {
		return
	}
	m.removeLocked(id, old)
}

func (m *Mem) removeLocked(id ID, old Interval) {
	m.starts.Delete(endpointEntry{value: old.Start, id: id})
	m.ends.Delete(endpointEntry{value: old.End, id: id})
	m.removeEndpointRef(old.Start)
	m.removeEndpointRef(old.End)
	delete(m.intervals, id)
}

// QueryEndpoints returns the distinct endpoint values touching [start,
// stop]. includeStart drops start itself from the result when false.
func (m *Mem) QueryEndpoints(start, stop uint32, reverse, includeStart bool) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !includeStart && start == ^uint32(0) {
		return nil
	}
	lowBound := start
	if !includeStart {
		lowBound = start + 1
	}
	if lowBound > stop {
		return nil
	}

	var values []uint32
	visit := func(v uint32) bool {
		values = append(values, v)
		return true
	}
	if stop == ^uint32(0) {
		m.endpointValues.AscendGreaterOrEqual(lowBound, visit)
	} else {
		m.endpointValues.AscendRange(lowBound, stop+1, visit)
	}
	if reverse {
		for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
			values[i], values[j] = values[j], values[i]
		}
	}
	return values
}

// Cover returns every interval whose [Start, End] contains point.
func (m *Mem) Cover(point uint32) []Interval {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Interval
	for _, iv := range m.intervals {
		if iv.Start <= point && point <= iv.End {
			out = append(out, iv)
		}
	}
	return out
}

// MaxEndpoint returns the largest endpoint currently stored.
func (m *Mem) MaxEndpoint() (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max, ok := m.endpointValues.Max()
	return max, ok
}
