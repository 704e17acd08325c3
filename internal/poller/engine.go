// Package poller implements the PollerEngine: the scheduling harness
// shared by every node that pulls indicators from an external feed on a
// timer, ages them out, and garbage-collects withdrawn records.
package poller

import (
	"context"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"github.com/flowcore-project/flowcore/internal/ageout"
	"github.com/flowcore-project/flowcore/internal/classifier"
	"github.com/flowcore-project/flowcore/internal/indicator"
	"github.com/flowcore-project/flowcore/internal/metrics"
	"github.com/flowcore-project/flowcore/internal/node"
	"github.com/flowcore-project/flowcore/internal/table"
)

// Config is a miner node's static configuration.
type Config struct {
	Name       string
	SourceName string
	Attributes map[string]any
	Interval   time.Duration
	NumRetries int
}

// Engine is the PollerEngine: it owns exactly two long-running workers
// (poll, age-out) over one IndicatorTable, cooperatively scheduled and
// guarded by a node.Lifecycle.
type Engine struct {
	cfg       Config
	policy    *ageout.Policy
	table     table.IndicatorTable
	feed      FeedSource
	emitter   node.Emitter
	stats     *metrics.Statistics
	lifecycle *node.Lifecycle

	pollEvent chan struct{}

	mu            sync.Mutex
	lastRun       *int64
	lastAgeoutRun *int64
	rebuildFlag   bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs an Engine and registers the secondary indexes the
// age-out and sudden-death scans rely on.
func New(cfg Config, policy *ageout.Policy, tbl table.IndicatorTable, feed FeedSource, emitter node.Emitter, stats *metrics.Statistics) *Engine {
	_ = tbl.CreateIndex(table.IndexAgeOut)
	_ = tbl.CreateIndex(table.IndexWithdrawn)
	_ = tbl.CreateIndex(table.IndexLastRun)
	return &Engine{
		cfg:       cfg,
		policy:    policy,
		table:     tbl,
		feed:      feed,
		emitter:   emitter,
		stats:     stats,
		lifecycle: node.NewLifecycle(),
		pollEvent: make(chan struct{}, 1),
	}
}

// Rebuild marks the engine to re-emit every known indicator when its
// poll worker next starts, before that worker's first poll pass; the
// same role a checkpoint-less restart plays upstream. A running poll
// worker does not check the mark.
func (e *Engine) Rebuild() {
	e.mu.Lock()
	e.rebuildFlag = true
	e.mu.Unlock()
}

// Hup wakes a sleeping poll worker, forcing an immediate pass.
func (e *Engine) Hup() {
	select {
	case e.pollEvent <- struct{}{}:
	default:
	}
}

// Length returns the number of indicators currently in the table.
func (e *Engine) Length() int {
	return e.table.NumIndicators()
}

// LastRun returns the timestamp of the last completed poll pass, or nil
// if none has completed yet.
func (e *Engine) LastRun() *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun
}

// Start transitions the engine to Started and spawns the poll and
// age-out workers under ctx; cancelling ctx or calling Stop terminates
// both.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Transition(node.Started)
	childCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(childCtx)
	e.group = g
	g.Go(func() error { e.ageOutWorker(gctx); return nil })
	g.Go(func() error { e.pollWorker(gctx); return nil })
}

// Stop terminates both workers and waits for them to exit.
func (e *Engine) Stop() {
	e.lifecycle.Transition(node.Stopped)
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		_ = e.group.Wait()
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (e *Engine) ageOutWorker(ctx context.Context) {
	for {
		state, unlock := e.lifecycle.RLock()
		if state != node.Started {
			unlock()
			return
		}
		e.ageOutPass()
		unlock()

		if !sleepOrDone(ctx, e.policy.Interval()) {
			return
		}
	}
}

func (e *Engine) ageOutPass() {
	now := time.Now().UnixMilli()
	var due []string
	for key, rec := range e.table.Query(table.IndexAgeOut, table.QueryOptions{HasTo: true, ToKey: now - 1, IncludeValue: true}) {
		if rec.IsWithdrawn() {
			continue
		}
		due = append(due, key)
	}
	for _, key := range due {
		rec, ok := e.table.Get(key)
		if !ok || rec.IsWithdrawn() {
			continue
		}
		if err := e.emitter.EmitWithdraw(key); err != nil {
			log.Error().Err(err).Str("node", e.cfg.Name).Str("indicator", key).Msg("withdraw rejected downstream")
		}
		rec.Withdrawn = &now
		_ = e.table.Put(key, rec)
		e.stats.AgedOutInc(e.cfg.Name)
	}

	e.mu.Lock()
	e.lastAgeoutRun = &now
	e.mu.Unlock()
}

func (e *Engine) pollWorker(ctx context.Context) {
	for {
		e.mu.Lock()
		ready := e.lastAgeoutRun != nil
		e.mu.Unlock()
		if ready {
			break
		}
		if !sleepOrDone(ctx, 50*time.Millisecond) {
			return
		}
	}

	if state, unlock := e.lifecycle.RLock(); state != node.Started {
		unlock()
		return
	} else {
		e.mu.Lock()
		rebuild := e.rebuildFlag
		e.rebuildFlag = false
		e.mu.Unlock()
		if rebuild {
			e.emitAllKnown()
		}
		unlock()
	}

	tryN := 0
	for {
		lastrun := time.Now().UnixMilli()
		state, unlock := e.lifecycle.RLock()
		if state != node.Started {
			unlock()
			return
		}

		e.mu.Lock()
		previousLastRun := e.lastRun
		e.mu.Unlock()

		err := e.runPollPass(ctx, lastrun, previousLastRun)
		unlock()

		if err != nil {
			e.stats.ErrorPollingInc(e.cfg.Name)
			log.Error().Err(err).Str("node", e.cfg.Name).Msg("polling pass failed")
			tryN++
			if tryN < e.cfg.NumRetries {
				if !sleepOrDone(ctx, time.Duration(1+rand.Intn(5))*time.Second) {
					return
				}
				continue
			}
		}

		e.mu.Lock()
		e.lastRun = &lastrun
		e.mu.Unlock()
		tryN = 0

		now := time.Now().UnixMilli()
		deltaMS := (lastrun + e.cfg.Interval.Milliseconds()) - now
		for deltaMS < 0 {
			log.Warn().Str("node", e.cfg.Name).Msg("processing time exceeded poll interval")
			deltaMS += e.cfg.Interval.Milliseconds()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(deltaMS) * time.Millisecond):
		case <-e.pollEvent:
		}
	}
}

func (e *Engine) emitAllKnown() {
	for key, rec := range e.table.Query(table.IndexLastRun, table.QueryOptions{IncludeValue: true}) {
		if err := e.emitter.EmitUpdate(key, recordToValue(rec)); err != nil {
			log.Error().Err(err).Str("node", e.cfg.Name).Str("indicator", key).Msg("rebuild re-emit rejected downstream")
		}
	}
}

// runPollPass runs one complete poll/sudden-death/garbage-collect pass.
// A non-nil error means the poll iterator itself failed (network or
// protocol error); the pass is abandoned without sudden death or
// garbage collection. previousLastRun is the lastrun value of the prior
// completed pass (nil before the first pass completes); sudden death
// must be evaluated against it, not against this pass's own lastrun,
// since every record touched this pass is stamped with this pass's
// lastrun and would otherwise be caught by its own inclusive query.
func (e *Engine) runPollPass(ctx context.Context, lastrun int64, previousLastRun *int64) error {
	if err := e.pollOnce(ctx, lastrun); err != nil {
		return err
	}
	if e.policy.SuddenDeath() && previousLastRun != nil {
		e.suddenDeath(*previousLastRun)
	}
	e.collectGarbage(time.Now().UnixMilli())
	return nil
}

func (e *Engine) pollOnce(ctx context.Context, now int64) error {
	iter, err := e.feed.BuildIterator(ctx, now)
	if err != nil {
		return err
	}
	defer iter.Close()

	e.mu.Lock()
	lastRun := e.lastRun
	e.mu.Unlock()
	inFeedThreshold := now - e.cfg.Interval.Milliseconds()
	if lastRun != nil {
		inFeedThreshold = *lastRun
	}

	for {
		item, ok, err := iter.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		pairs, err := e.feed.ProcessItem(item)
		if err != nil {
			log.Error().Err(err).Str("node", e.cfg.Name).Msg("skipping unparsable feed item")
			continue
		}
		for _, pair := range pairs {
			if pair.Indicator == "" {
				continue
			}
			if err := e.classifyAndAct(pair, now, inFeedThreshold); err != nil {
				log.Error().Err(err).Str("node", e.cfg.Name).Str("indicator", pair.Indicator).Msg("unhandled classifier state")
			}
		}
	}
}

func (e *Engine) classifyAndAct(pair Pair, now, inFeedThreshold int64) error {
	existing, _ := e.table.Get(pair.Indicator)
	state := classifier.Classify(existing, now, inFeedThreshold)

	switch state {
	case classifier.NX, classifier.D, classifier.DA, classifier.DAW, classifier.DW:
		rec := e.freshRecord(now, pair.Attributes)
		_ = e.table.Put(pair.Indicator, rec)
		e.stats.AddedInc(e.cfg.Name)
		if err := e.emitter.EmitUpdate(pair.Indicator, recordToValue(rec)); err != nil {
			return err
		}
		e.stats.UpdateProcessedInc(e.cfg.Name)
		return nil

	case classifier.DF:
		eq := compareAttributes(existing.Attributes, pair.Attributes)
		existing.LastRun = now
		for k, v := range pair.Attributes {
			existing.Attributes[k] = v
		}
		if typ, ok := pair.Attributes["type"].(string); ok {
			existing.Type = typ
		}
		existing.AgeOut = e.policy.AgeOutFor(existing)
		_ = e.table.Put(pair.Indicator, existing)
		if !eq {
			if err := e.emitter.EmitUpdate(pair.Indicator, recordToValue(existing)); err != nil {
				return err
			}
			e.stats.UpdateProcessedInc(e.cfg.Name)
		}
		return nil

	case classifier.DFA:
		existing.LastRun = now
		return e.table.Put(pair.Indicator, existing)

	case classifier.DFAW, classifier.DFW:
		existing.LastRun = now
		withdrawnAt := now
		existing.Withdrawn = &withdrawnAt
		return e.table.Put(pair.Indicator, existing)

	default:
		return nil
	}
}

func (e *Engine) freshRecord(now int64, observed map[string]any) *indicator.Record {
	merged := make(map[string]any, len(e.cfg.Attributes)+len(observed))
	for k, v := range e.cfg.Attributes {
		merged[k] = v
	}
	for k, v := range observed {
		merged[k] = v
	}
	typ, _ := merged["type"].(string)

	rec := &indicator.Record{
		Sources:    []string{e.cfg.SourceName},
		FirstSeen:  now,
		LastSeen:   now,
		LastRun:    now,
		Type:       typ,
		Attributes: merged,
	}
	rec.AgeOut = e.policy.AgeOutFor(rec)
	return rec
}

// suddenDeath force-ages every record not refreshed by lastrun, the
// previous completed pass's timestamp. Passing the current pass's own
// lastrun here would catch records this very pass just touched.
func (e *Engine) suddenDeath(lastrun int64) {
	var keys []string
	for key := range e.table.Query(table.IndexLastRun, table.QueryOptions{HasTo: true, ToKey: lastrun}) {
		keys = append(keys, key)
	}
	for _, key := range keys {
		rec, ok := e.table.Get(key)
		if !ok {
			continue
		}
		rec.AgeOut = lastrun - 1
		_ = e.table.Put(key, rec)
		e.stats.RemovedInc(e.cfg.Name)
	}
}

func (e *Engine) collectGarbage(gcNow int64) {
	var keys []string
	for key := range e.table.Query(table.IndexWithdrawn, table.QueryOptions{HasTo: true, ToKey: gcNow - 1}) {
		keys = append(keys, key)
	}
	for _, key := range keys {
		_ = e.table.Delete(key)
		e.stats.GarbageCollectedAdd(e.cfg.Name, 1)
	}
}

func compareAttributes(old, observed map[string]any) bool {
	for k, v := range observed {
		if !reflect.DeepEqual(old[k], v) {
			return false
		}
	}
	return true
}

func recordToValue(rec *indicator.Record) map[string]any {
	v := make(map[string]any, len(rec.Attributes)+2)
	for k, val := range rec.Attributes {
		v[k] = val
	}
	v["type"] = rec.Type
	v["sources"] = rec.Sources
	return v
}
