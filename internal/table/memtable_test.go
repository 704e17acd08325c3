package table

import (
	"testing"

	"github.com/flowcore-project/flowcore/internal/indicator"
)

func withdrawnAt(ts int64) *int64 { return &ts }

func TestMemPutGetDelete(t *testing.T) {
	m := NewMem()
	rec := &indicator.Record{Type: "IPv4", FirstSeen: 10, LastSeen: 20, AgeOut: 1000}

	if _, ok := m.Get("1.2.3.4"); ok {
		t.Fatalf("expected miss before Put")
	}
	if err := m.Put("1.2.3.4", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := m.Get("1.2.3.4")
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	if got.AgeOut != 1000 {
		t.Errorf("AgeOut = %d, want 1000", got.AgeOut)
	}
	if m.NumIndicators() != 1 {
		t.Errorf("NumIndicators = %d, want 1", m.NumIndicators())
	}

	if err := m.Delete("1.2.3.4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get("1.2.3.4"); ok {
		t.Errorf("expected miss after Delete")
	}
	if m.NumIndicators() != 0 {
		t.Errorf("NumIndicators = %d, want 0 after delete", m.NumIndicators())
	}
}

func TestMemGetReturnsClone(t *testing.T) {
	m := NewMem()
	rec := &indicator.Record{Sources: []string{"s1"}, AgeOut: 1000}
	_ = m.Put("k", rec)

	got, _ := m.Get("k")
	got.Sources[0] = "mutated"

	again, _ := m.Get("k")
	if again.Sources[0] != "s1" {
		t.Errorf("table record mutated through returned clone: got %v", again.Sources)
	}
}

func TestMemQueryAgeOutIndex(t *testing.T) {
	m := NewMem()
	if err := m.CreateIndex(IndexAgeOut); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	records := map[string]int64{
		"a": 100,
		"b": 200,
		"c": 300,
		"d": 400,
	}
	for key, ageOut := range records {
		_ = m.Put(key, &indicator.Record{AgeOut: ageOut})
	}

	var keys []string
	for key := range m.Query(IndexAgeOut, QueryOptions{HasTo: true, ToKey: 250}) {
		keys = append(keys, key)
	}
	if len(keys) != 2 {
		t.Fatalf("Query(<=250) returned %v, want 2 keys", keys)
	}

	var all []string
	for key := range m.Query(IndexAgeOut, QueryOptions{}) {
		all = append(all, key)
	}
	if len(all) != 4 {
		t.Fatalf("Query(unbounded) returned %v, want 4 keys", all)
	}

	var desc []string
	for key := range m.Query(IndexAgeOut, QueryOptions{Reverse: true}) {
		desc = append(desc, key)
	}
	if desc[0] != "d" || desc[len(desc)-1] != "a" {
		t.Errorf("Query(reverse) = %v, want descending by age_out", desc)
	}
}

func TestMemQueryWithdrawnIndexSkipsUnset(t *testing.T) {
	m := NewMem()
	if err := m.CreateIndex(IndexWithdrawn); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	_ = m.Put("withdrawn", &indicator.Record{Withdrawn: withdrawnAt(500)})
	_ = m.Put("active", &indicator.Record{})

	var keys []string
	for key := range m.Query(IndexWithdrawn, QueryOptions{}) {
		keys = append(keys, key)
	}
	if len(keys) != 1 || keys[0] != "withdrawn" {
		t.Errorf("Query(_withdrawn) = %v, want [withdrawn]", keys)
	}
}

func TestMemCreateIndexBackfillsExisting(t *testing.T) {
	m := NewMem()
	_ = m.Put("x", &indicator.Record{LastRun: 42})
	if err := m.CreateIndex(IndexLastRun); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	var keys []string
	for key := range m.Query(IndexLastRun, QueryOptions{}) {
		keys = append(keys, key)
	}
	if len(keys) != 1 || keys[0] != "x" {
		t.Errorf("backfilled index = %v, want [x]", keys)
	}
}

func TestMemCreateIndexUnknownAttr(t *testing.T) {
	m := NewMem()
	if err := m.CreateIndex("bogus"); err == nil {
		t.Errorf("expected error for unknown index attribute")
	}
}
