package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flowcore-project/flowcore/internal/config"
	"github.com/flowcore-project/flowcore/internal/metrics"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "flowcore",
	Short:   "flowcore runs a threat-intelligence miner/aggregator node graph",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flowcore %s\n", Version)
	},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/flowcore/graph.yaml", "Path to the graph configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadGraph(path)
	if err != nil {
		return fmt.Errorf("flowcore: %w", err)
	}

	g, err := buildGraph(cfg)
	if err != nil {
		return fmt.Errorf("flowcore: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.MetricsAddress != "" {
		metricsServer = metrics.NewServer(cfg.MetricsAddress, g.stats)
		go func() {
			if err := <-metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddress).Msg("metrics server started")
	}

	configWatcher, err := config.WatchFile(path, func() {
		log.Info().Str("path", path).Msg("graph config changed on disk; restart to apply (hot graph reconfiguration is out of scope)")
	})
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not watch graph config for changes")
	} else {
		defer configWatcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	log.Info().Int("miners", len(cfg.Miners)).Msg("graph started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info().Msg("SIGHUP received, reloading pull-driver credentials")
			g.Hup()
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info().Msg("shutting down")
			cancel()
			g.Stop()
			if metricsServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsServer.Shutdown(shutdownCtx)
				shutdownCancel()
			}
			return nil
		}
	}
	return nil
}
