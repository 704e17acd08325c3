// Package config parses the graph configuration file: the set of nodes
// (miners, an aggregator, sinks) and how their emits wire together, plus
// each node's age-out policy and pull-driver credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowcore-project/flowcore/internal/ageout"
)

// AgeOutExpressionConfig is the YAML form of an ageout.Expression, e.g.
// "last_seen+30d" or "3600".
type AgeOutExpressionConfig string

// AgeOutConfig is the YAML form of ageout.Config.
type AgeOutConfig struct {
	Interval    int64                             `yaml:"interval"`
	SuddenDeath bool                              `yaml:"sudden_death"`
	Default     AgeOutExpressionConfig            `yaml:"default"`
	Types       map[string]AgeOutExpressionConfig `yaml:"types"`
}

// validate confirms every configured expression parses.
func (a AgeOutConfig) validate() error {
	if a.Default != "" {
		if _, err := ageout.ParseExpression(string(a.Default)); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	for typ, expr := range a.Types {
		if _, err := ageout.ParseExpression(string(expr)); err != nil {
			return fmt.Errorf("types[%s]: %w", typ, err)
		}
	}
	return nil
}

// Build converts the YAML form into an ageout.Policy, parsing every
// configured expression. A blank Default means "never ages out".
func (a AgeOutConfig) Build() (*ageout.Policy, error) {
	cfg := ageout.Config{Interval: a.Interval, SuddenDeath: a.SuddenDeath}

	if a.Default != "" {
		expr, err := ageout.ParseExpression(string(a.Default))
		if err != nil {
			return nil, fmt.Errorf("config: default age-out expression: %w", err)
		}
		cfg.Default = expr
	}

	if len(a.Types) > 0 {
		cfg.Types = make(map[string]*ageout.Expression, len(a.Types))
		for typ, expr := range a.Types {
			parsed, err := ageout.ParseExpression(string(expr))
			if err != nil {
				return nil, fmt.Errorf("config: age-out expression for type %q: %w", typ, err)
			}
			cfg.Types[typ] = parsed
		}
	}

	return ageout.New(cfg), nil
}

// PullDriverConfig is the YAML form of a PullFeedDriver node's static
// configuration.
type PullDriverConfig struct {
	DiscoveryService string            `yaml:"discovery_service"`
	Collection       string            `yaml:"collection"`
	Prefix           string            `yaml:"prefix"`
	SideConfigPath   string            `yaml:"side_config"`
	ConfidenceMap    map[string]int    `yaml:"confidence_map"`
	InitialInterval  string            `yaml:"initial_interval"`
	RetryLimitPerSec float64           `yaml:"retry_limit_per_sec"`
	RetryBurst       int               `yaml:"retry_burst"`
	Username         string            `yaml:"username"`
	Password         string            `yaml:"password"`
	KeyFile          string            `yaml:"key_file"`
	CertFile         string            `yaml:"cert_file"`
	CAFile           string            `yaml:"ca_file"`
}

// AggregatorConfig is the YAML form of an Aggregator node's static
// configuration.
type AggregatorConfig struct {
	Whitelists []string `yaml:"whitelists"`
}

// MinerNodeConfig configures a poller-backed miner node: the one that
// owns a PullFeedDriver plus an age-out policy.
type MinerNodeConfig struct {
	Name       string           `yaml:"name"`
	SourceName string           `yaml:"source_name"`
	Interval   string           `yaml:"interval"`
	NumRetries int              `yaml:"num_retries"`
	Attributes map[string]any   `yaml:"attributes"`
	AgeOut     AgeOutConfig     `yaml:"age_out"`
	PullDriver PullDriverConfig `yaml:"pull_driver"`
	Output     string           `yaml:"output"`
}

// AggregatorNodeConfig configures an aggregator node and the inputs
// feeding it.
type AggregatorNodeConfig struct {
	Name       string           `yaml:"name"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Output     string           `yaml:"output"`
}

// GraphConfig is the top-level graph configuration file: every miner
// node, the single aggregator node, and which metrics listener to serve
// on.
type GraphConfig struct {
	MetricsAddress string                 `yaml:"metrics_address"`
	Miners         []MinerNodeConfig      `yaml:"miners"`
	Aggregator     *AggregatorNodeConfig  `yaml:"aggregator"`
}

// LoadGraph reads and validates a graph configuration file.
func LoadGraph(path string) (*GraphConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg GraphConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the graph is internally consistent: every miner names
// a distinct node, every output names an existing node (or the special
// sink name "log"), and interval/age-out fields parse.
func (g *GraphConfig) Validate() error {
	seen := make(map[string]struct{}, len(g.Miners)+1)
	if g.Aggregator != nil {
		seen[g.Aggregator.Name] = struct{}{}
	}
	for _, m := range g.Miners {
		if m.Name == "" {
			return fmt.Errorf("miner with empty name")
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("duplicate node name %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		if _, err := time.ParseDuration(defaultIfEmpty(m.Interval, "60s")); err != nil {
			return fmt.Errorf("miner %q: invalid interval %q: %w", m.Name, m.Interval, err)
		}
		if err := m.AgeOut.validate(); err != nil {
			return fmt.Errorf("miner %q: age_out: %w", m.Name, err)
		}
	}

	names := make(map[string]struct{}, len(seen)+1)
	for n := range seen {
		names[n] = struct{}{}
	}
	names["log"] = struct{}{}

	for _, m := range g.Miners {
		if m.Output != "" {
			if _, ok := names[m.Output]; !ok {
				return fmt.Errorf("miner %q: output %q names no known node", m.Name, m.Output)
			}
		}
	}
	if g.Aggregator != nil && g.Aggregator.Output != "" {
		if _, ok := names[g.Aggregator.Output]; !ok {
			return fmt.Errorf("aggregator %q: output %q names no known node", g.Aggregator.Name, g.Aggregator.Output)
		}
	}
	return nil
}

func defaultIfEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
