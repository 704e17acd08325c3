package main

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcore-project/flowcore/internal/aggregator"
	"github.com/flowcore-project/flowcore/internal/config"
	"github.com/flowcore-project/flowcore/internal/intervalstore"
	"github.com/flowcore-project/flowcore/internal/metrics"
	"github.com/flowcore-project/flowcore/internal/node"
	"github.com/flowcore-project/flowcore/internal/poller"
	"github.com/flowcore-project/flowcore/internal/pulldriver"
	"github.com/flowcore-project/flowcore/internal/table"
)

// graph is the running node set built from a config.GraphConfig: one
// poller.Engine plus PullFeedDriver per configured miner, and at most
// one Aggregator, wired by each node's configured output name.
type graph struct {
	stats      *metrics.Statistics
	engines    map[string]*poller.Engine
	drivers    map[string]*pulldriver.PullFeedDriver
	aggregator *aggregator.Aggregator
}

// buildGraph constructs every node and its collaborators, but does not
// start any worker goroutines; call Start for that.
func buildGraph(cfg *config.GraphConfig) (*graph, error) {
	g := &graph{
		stats:   metrics.NewStatistics(),
		engines: make(map[string]*poller.Engine),
		drivers: make(map[string]*pulldriver.PullFeedDriver),
	}

	if cfg.Aggregator != nil {
		aggEmitter, err := resolveEmitter(cfg.Aggregator.Output)
		if err != nil {
			return nil, fmt.Errorf("aggregator %q: %w", cfg.Aggregator.Name, err)
		}
		g.aggregator = aggregator.New(aggregator.Config{Whitelists: cfg.Aggregator.Aggregator.Whitelists}, intervalstore.NewMem(), aggEmitter)
	}

	for _, m := range cfg.Miners {
		var emitter node.Emitter
		var err error
		if cfg.Aggregator != nil && m.Output == cfg.Aggregator.Name {
			emitter = aggregatorEmitter{agg: g.aggregator, source: m.SourceName}
		} else {
			emitter, err = resolveEmitter(m.Output)
		}
		if err != nil {
			return nil, fmt.Errorf("miner %q: %w", m.Name, err)
		}

		policy, err := m.AgeOut.Build()
		if err != nil {
			return nil, fmt.Errorf("miner %q: %w", m.Name, err)
		}

		driver, err := buildDriver(m)
		if err != nil {
			return nil, fmt.Errorf("miner %q: %w", m.Name, err)
		}
		g.drivers[m.Name] = driver

		interval, err := time.ParseDuration(defaultIfEmpty(m.Interval, "60s"))
		if err != nil {
			return nil, fmt.Errorf("miner %q: %w", m.Name, err)
		}

		engCfg := poller.Config{
			Name:       m.Name,
			SourceName: m.SourceName,
			Attributes: m.Attributes,
			Interval:   interval,
			NumRetries: numRetriesOrDefault(m.NumRetries),
		}
		tbl := table.NewMem()
		g.engines[m.Name] = poller.New(engCfg, policy, tbl, driver, emitter, g.stats)
	}

	return g, nil
}

func numRetriesOrDefault(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}

func defaultIfEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// aggregatorEmitter adapts Aggregator's FilteredUpdate/FilteredWithdraw
// (which take a source name and a now timestamp) to the plain
// node.Emitter interface a poller.Engine emits through.
type aggregatorEmitter struct {
	agg    *aggregator.Aggregator
	source string
}

func (e aggregatorEmitter) EmitUpdate(indicatorID string, value map[string]any) error {
	return e.agg.FilteredUpdate(e.source, indicatorID, value, time.Now().UnixMilli())
}

func (e aggregatorEmitter) EmitWithdraw(indicatorID string) error {
	return e.agg.FilteredWithdraw(e.source, indicatorID)
}

// resolveEmitter builds the terminal emitter for an output name. Only
// "log" (or empty, meaning no downstream configured) is supported as a
// terminal sink; anything else must be wired as an aggregator input by
// the caller before reaching here.
func resolveEmitter(output string) (node.Emitter, error) {
	if output == "" || output == "log" {
		return &node.LogSink{Name: output}, nil
	}
	return nil, fmt.Errorf("output %q does not name the aggregator or the log sink", output)
}

func buildDriver(m config.MinerNodeConfig) (*pulldriver.PullFeedDriver, error) {
	pd := m.PullDriver
	initialInterval := 24 * time.Hour
	if pd.InitialInterval != "" {
		d, err := time.ParseDuration(pd.InitialInterval)
		if err != nil {
			return nil, fmt.Errorf("initial_interval: %w", err)
		}
		initialInterval = d
	}

	cfg := pulldriver.Config{
		Name:             m.Name,
		DiscoveryService: pd.DiscoveryService,
		Collection:       pd.Collection,
		Prefix:           defaultIfEmpty(pd.Prefix, m.Name),
		SideConfigPath:   pd.SideConfigPath,
		ConfidenceMap:    pd.ConfidenceMap,
		RetryLimitPerSec: pd.RetryLimitPerSec,
		RetryBurst:       pd.RetryBurst,
		InitialInterval:  initialInterval,
		Credentials: pulldriver.Credentials{
			Username: pd.Username,
			Password: pd.Password,
			KeyFile:  pd.KeyFile,
			CertFile: pd.CertFile,
			CAFile:   pd.CAFile,
		},
	}
	return pulldriver.New(cfg)
}

// Start launches every miner's poll/age-out workers under ctx.
func (g *graph) Start(ctx context.Context) {
	for _, e := range g.engines {
		e.Start(ctx)
	}
}

// Stop terminates every miner's workers and waits for them to exit.
func (g *graph) Stop() {
	for _, e := range g.engines {
		e.Stop()
	}
}

// Hup reloads every pull driver's side config and rebuilds its
// transport, then wakes that miner's poll worker for an immediate pass;
// the response to a SIGHUP.
func (g *graph) Hup() {
	for name, d := range g.drivers {
		d.Hup()
		if e, ok := g.engines[name]; ok {
			e.Hup()
		}
	}
}
