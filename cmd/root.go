// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siteharvest/harvester/internal/config"
	"github.com/siteharvest/harvester/internal/engine"
	"github.com/siteharvest/harvester/internal/extractor"
	collyextractor "github.com/siteharvest/harvester/internal/extractor/colly"
	headlessextractor "github.com/siteharvest/harvester/internal/extractor/headless"
	"github.com/siteharvest/harvester/internal/logging"
	"github.com/siteharvest/harvester/internal/scrape"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A job-based web scraping service.",
		Long: `harvester executes scraping jobs against batches of target URLs,
with bounded concurrency, per-target retries and optional headless
rendering. Run "harvester serve" for the HTTP service or
"harvester scrape" for a one-shot job from the command line.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd(), newScrapeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvironment loads configuration and builds the process logger the
// subcommands share.
func loadEnvironment() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// buildExtractors wires the protocol extractor and, when enabled, the
// headless one behind a routing selector. The returned cleanup releases the
// browser allocator.
func buildExtractors(cfg config.Config, logger *zap.Logger) (*collyextractor.Extractor, scrape.Extractor, func()) {
	protocol := collyextractor.New(collyextractor.Config{
		UserAgent:     cfg.Extractor.UserAgent,
		Timeout:       time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
		RespectRobots: cfg.Extractor.RespectRobots,
	})

	var headless scrape.Extractor
	cleanup := func() {}
	if cfg.Headless.Enabled {
		hx, err := headlessextractor.New(headlessextractor.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Extractor.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless extractor init failed; rendering disabled", zap.Error(err))
		} else {
			headless = hx
			cleanup = hx.Close
		}
	}

	return protocol, extractor.NewSelector(protocol, headless), cleanup
}

func engineConfigFrom(cfg config.Config) engine.Config {
	return engine.Config{
		MaxConcurrency:      cfg.Engine.Concurrency,
		MaxAttempts:         cfg.Engine.MaxAttempts,
		BaseDelay:           time.Duration(cfg.Engine.BaseDelayMs) * time.Millisecond,
		Multiplier:          float64(cfg.Engine.BackoffMultiplier),
		MaxDelay:            time.Duration(cfg.Engine.MaxDelayMs) * time.Millisecond,
		MinDispatchInterval: time.Duration(cfg.Engine.DispatchGapMs) * time.Millisecond,
	}
}
