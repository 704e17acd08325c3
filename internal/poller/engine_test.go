package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowcore-project/flowcore/internal/ageout"
	"github.com/flowcore-project/flowcore/internal/metrics"
	"github.com/flowcore-project/flowcore/internal/node"
	"github.com/flowcore-project/flowcore/internal/table"
)

// fakeIterator yields a fixed slice of items once, then exhausts.
type fakeIterator struct {
	items []any
	pos   int
}

func (it *fakeIterator) Next(ctx context.Context) (any, bool, error) {
	if it.pos >= len(it.items) {
		return nil, false, nil
	}
	item := it.items[it.pos]
	it.pos++
	return item, true, nil
}

func (it *fakeIterator) Close() {}

// fakeFeed hands out whatever batch is queued under mu, one batch per
// BuildIterator call, and treats each item as a Pair directly. Once
// batches is exhausted, if repeatLast is set, the final batch is
// returned on every subsequent call instead of an empty one.
type fakeFeed struct {
	mu         sync.Mutex
	batches    [][]Pair
	repeatLast bool
	lastBatch  []Pair
}

func (f *fakeFeed) BuildIterator(ctx context.Context, now int64) (Iterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var batch []Pair
	if len(f.batches) > 0 {
		batch = f.batches[0]
		f.batches = f.batches[1:]
		f.lastBatch = batch
	} else if f.repeatLast {
		batch = f.lastBatch
	}
	items := make([]any, len(batch))
	for i, p := range batch {
		items[i] = p
	}
	return &fakeIterator{items: items}, nil
}

func (f *fakeFeed) ProcessItem(item any) ([]Pair, error) {
	return []Pair{item.(Pair)}, nil
}

// recordingEmitter tracks every emitted update/withdraw.
type recordingEmitter struct {
	mu        sync.Mutex
	updates   map[string]map[string]any
	withdrawn map[string]bool
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{updates: make(map[string]map[string]any), withdrawn: make(map[string]bool)}
}

func (e *recordingEmitter) EmitUpdate(id string, value map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates[id] = value
	delete(e.withdrawn, id)
	return nil
}

func (e *recordingEmitter) EmitWithdraw(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.withdrawn[id] = true
	return nil
}

func (e *recordingEmitter) has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.updates[id]
	return ok
}

func (e *recordingEmitter) isWithdrawn(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdrawn[id]
}

func newTestEngine(t *testing.T, feed *fakeFeed, emitter node.Emitter) *Engine {
	t.Helper()
	policy := ageout.New(ageout.Config{Interval: 3600})
	tbl := table.NewMem()
	stats := metrics.NewStatistics()
	cfg := Config{Name: "test", SourceName: "test-source", Interval: 20 * time.Millisecond, NumRetries: 3}
	return New(cfg, policy, tbl, feed, emitter, stats)
}

func TestEngineFreshIndicatorEmitsUpdate(t *testing.T) {
	feed := &fakeFeed{batches: [][]Pair{
		{{Indicator: "1.2.3.4", Attributes: map[string]any{"type": "IPv4", "confidence": 50}}},
	}}
	emitter := newRecordingEmitter()
	e := newTestEngine(t, feed, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !emitter.has("1.2.3.4") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	e.Stop()

	if !emitter.has("1.2.3.4") {
		t.Fatalf("expected 1.2.3.4 to have been emitted")
	}
	if e.Length() != 1 {
		t.Errorf("Length() = %d, want 1", e.Length())
	}
}

func TestEngineMissingFromFeedWithSuddenDeathWithdraws(t *testing.T) {
	feed := &fakeFeed{batches: [][]Pair{
		{{Indicator: "5.6.7.8", Attributes: map[string]any{"type": "IPv4"}}},
		{},
	}}
	emitter := newRecordingEmitter()
	policy := ageout.New(ageout.Config{Interval: 1, SuddenDeath: true})
	tbl := table.NewMem()
	stats := metrics.NewStatistics()
	cfg := Config{Name: "test", SourceName: "test-source", Interval: 15 * time.Millisecond, NumRetries: 3}
	e := New(cfg, policy, tbl, feed, emitter, stats)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for !emitter.isWithdrawn("5.6.7.8") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	e.Stop()

	if !emitter.isWithdrawn("5.6.7.8") {
		t.Fatalf("expected 5.6.7.8 to have been withdrawn by sudden death")
	}
}

// TestEngineSuddenDeathSparesContinuouslyPresentIndicator guards against
// sudden death using the current pass's own lastrun as its bound, which
// would force-age every indicator the very pass that just refreshed it.
func TestEngineSuddenDeathSparesContinuouslyPresentIndicator(t *testing.T) {
	feed := &fakeFeed{
		batches:    [][]Pair{{{Indicator: "4.4.4.4", Attributes: map[string]any{"type": "IPv4"}}}},
		repeatLast: true,
	}
	emitter := newRecordingEmitter()
	policy := ageout.New(ageout.Config{Interval: 1, SuddenDeath: true})
	tbl := table.NewMem()
	stats := metrics.NewStatistics()
	cfg := Config{Name: "test", SourceName: "test-source", Interval: 15 * time.Millisecond, NumRetries: 3}
	e := New(cfg, policy, tbl, feed, emitter, stats)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	// Let many poll passes run so sudden death fires repeatedly against
	// an indicator that is refreshed on every single pass, and let the
	// one-second age-out worker run a pass after them so a wrongly
	// force-aged record would be withdrawn.
	time.Sleep(1500 * time.Millisecond)

	cancel()
	e.Stop()

	if emitter.isWithdrawn("4.4.4.4") {
		t.Fatalf("expected 4.4.4.4 to survive sudden death since it was present on every pass")
	}
	if e.Length() != 1 {
		t.Errorf("Length() = %d, want 1", e.Length())
	}
}

func TestEngineRebuildReEmitsKnownIndicators(t *testing.T) {
	feed := &fakeFeed{batches: [][]Pair{
		{{Indicator: "9.9.9.9", Attributes: map[string]any{"type": "IPv4"}}},
	}}
	emitter := newRecordingEmitter()
	e := newTestEngine(t, feed, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !emitter.has("9.9.9.9") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	e.Stop()

	if !emitter.has("9.9.9.9") {
		t.Fatalf("setup: expected 9.9.9.9 to have been emitted before rebuild")
	}

	emitter2 := newRecordingEmitter()
	e.emitter = emitter2
	e.Rebuild()

	ctx2, cancel2 := context.WithCancel(context.Background())
	e.Start(ctx2)
	deadline = time.Now().Add(2 * time.Second)
	for !emitter2.has("9.9.9.9") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel2()
	e.Stop()

	if !emitter2.has("9.9.9.9") {
		t.Fatalf("expected rebuild to re-emit 9.9.9.9 on restart")
	}
}

func TestClassifyAndActNewIndicatorFreshRecord(t *testing.T) {
	feed := &fakeFeed{}
	emitter := newRecordingEmitter()
	e := newTestEngine(t, feed, emitter)

	now := time.Now().UnixMilli()
	if err := e.classifyAndAct(Pair{Indicator: "1.1.1.1", Attributes: map[string]any{"type": "IPv4"}}, now, now-1000); err != nil {
		t.Fatalf("classifyAndAct: %v", err)
	}
	rec, ok := e.table.Get("1.1.1.1")
	if !ok {
		t.Fatalf("expected 1.1.1.1 in table")
	}
	if rec.Type != "IPv4" {
		t.Errorf("Type = %q, want IPv4", rec.Type)
	}
	if !emitter.has("1.1.1.1") {
		t.Errorf("expected update emitted for new indicator")
	}
}
