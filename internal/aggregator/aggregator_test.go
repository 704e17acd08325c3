package aggregator

import (
	"sort"
	"sync"
	"testing"

	"github.com/flowcore-project/flowcore/internal/intervalstore"
)

type recordingEmitter struct {
	mu      sync.Mutex
	updates map[string]map[string]any
	withdrawn map[string]bool
	order   []string
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{updates: make(map[string]map[string]any), withdrawn: make(map[string]bool)}
}

func (e *recordingEmitter) EmitUpdate(id string, value map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates[id] = value
	delete(e.withdrawn, id)
	e.order = append(e.order, "update:"+id)
	return nil
}

func (e *recordingEmitter) EmitWithdraw(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.withdrawn[id] = true
	delete(e.updates, id)
	e.order = append(e.order, "withdraw:"+id)
	return nil
}

func (e *recordingEmitter) liveIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id := range e.updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func TestScenarioC_AggregatorUnion(t *testing.T) {
	store := intervalstore.NewMem()
	emitter := newRecordingEmitter()
	agg := New(Config{}, store, emitter)

	if err := agg.FilteredUpdate("S1", "10.0.0.0/24", map[string]any{"type": "IPv4"}, 1000); err != nil {
		t.Fatalf("FilteredUpdate S1: %v", err)
	}
	if err := agg.FilteredUpdate("S2", "10.0.0.128-10.0.0.191", map[string]any{"type": "IPv4"}, 1000); err != nil {
		t.Fatalf("FilteredUpdate S2: %v", err)
	}

	want := []string{
		"10.0.0.0-10.0.0.127",
		"10.0.0.128-10.0.0.191",
		"10.0.0.192-10.0.0.255",
	}
	got := emitter.liveIDs()
	if len(got) != len(want) {
		t.Fatalf("emitted ranges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emitted ranges = %v, want %v", got, want)
			break
		}
	}

	if err := agg.FilteredWithdraw("S2", "10.0.0.128-10.0.0.191"); err != nil {
		t.Fatalf("FilteredWithdraw: %v", err)
	}

	got = emitter.liveIDs()
	want = []string{"10.0.0.0-10.0.0.255"}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("after withdraw, live ranges = %v, want %v", got, want)
	}

	if !emitter.withdrawn["10.0.0.0-10.0.0.127"] {
		t.Errorf("expected 10.0.0.0-10.0.0.127 to have been withdrawn")
	}
	if !emitter.withdrawn["10.0.0.192-10.0.0.255"] {
		t.Errorf("expected 10.0.0.192-10.0.0.255 to have been withdrawn")
	}
}

func TestScenarioD_WhitelistHole(t *testing.T) {
	store := intervalstore.NewMem()
	emitter := newRecordingEmitter()
	agg := New(Config{Whitelists: []string{"WL"}}, store, emitter)

	if err := agg.FilteredUpdate("S1", "0.0.0.0/0", map[string]any{"type": "IPv4"}, 1000); err != nil {
		t.Fatalf("FilteredUpdate S1: %v", err)
	}
	if err := agg.FilteredUpdate("WL", "192.168.0.0/16", map[string]any{"type": "IPv4"}, 1000); err != nil {
		t.Fatalf("FilteredUpdate WL: %v", err)
	}

	got := emitter.liveIDs()
	want := []string{
		"0.0.0.0-192.167.255.255",
		"192.169.0.0-255.255.255.255",
	}
	if len(got) != len(want) {
		t.Fatalf("emitted ranges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emitted ranges = %v, want %v", got, want)
		}
	}
}

func TestFilteredUpdateRejectsNonIPv4(t *testing.T) {
	store := intervalstore.NewMem()
	emitter := newRecordingEmitter()
	agg := New(Config{}, store, emitter)

	if err := agg.FilteredUpdate("S1", "example.com", map[string]any{"type": "domain"}, 1000); err != nil {
		t.Fatalf("FilteredUpdate: %v", err)
	}
	if len(emitter.liveIDs()) != 0 {
		t.Errorf("non-IPv4 indicator should not be aggregated")
	}
}

func TestFilteredWithdrawUnknownPairIsNoop(t *testing.T) {
	store := intervalstore.NewMem()
	emitter := newRecordingEmitter()
	agg := New(Config{}, store, emitter)

	if err := agg.FilteredWithdraw("S1", "10.0.0.0/24"); err != nil {
		t.Fatalf("FilteredWithdraw on unknown pair should be a no-op, got: %v", err)
	}
}

func TestGetAndGetAll(t *testing.T) {
	store := intervalstore.NewMem()
	emitter := newRecordingEmitter()
	agg := New(Config{}, store, emitter)

	_ = agg.FilteredUpdate("S1", "10.0.0.0/24", map[string]any{"type": "IPv4", "confidence": 50}, 1000)

	v, ok := agg.Get("S1", "10.0.0.0/24")
	if !ok {
		t.Fatalf("Get: expected hit")
	}
	if v["confidence"] != 50 {
		t.Errorf("Get confidence = %v, want 50", v["confidence"])
	}

	all := agg.GetAll("S1")
	if len(all) != 1 {
		t.Errorf("GetAll = %v, want 1 entry", all)
	}
}
