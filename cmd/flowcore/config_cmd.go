package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowcore-project/flowcore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the graph configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the graph configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.LoadGraph(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return err
		}
		fmt.Println("configuration valid")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the parsed graph configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadGraph(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return err
		}

		fmt.Printf("metrics_address: %s\n", cfg.MetricsAddress)
		fmt.Printf("miners (%d):\n", len(cfg.Miners))
		for _, m := range cfg.Miners {
			fmt.Printf("  - %s -> %s (source=%s, interval=%s)\n", m.Name, orDefault(m.Output, "log"), m.SourceName, orDefault(m.Interval, "60s"))
		}
		if cfg.Aggregator != nil {
			fmt.Printf("aggregator: %s -> %s (whitelists=%v)\n", cfg.Aggregator.Name, orDefault(cfg.Aggregator.Output, "log"), cfg.Aggregator.Aggregator.Whitelists)
		}
		return nil
	},
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
