package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/siteharvest/harvester/internal/clock/system"
	"github.com/siteharvest/harvester/internal/engine"
	"github.com/siteharvest/harvester/internal/id/uuid"
	"github.com/siteharvest/harvester/internal/scrape"
	memorystorage "github.com/siteharvest/harvester/internal/storage/memory"
)

type scrapeFlags struct {
	name      string
	urls      []string
	selectors map[string]string
	kind      string
	render    bool
}

func newScrapeCmd() *cobra.Command {
	flags := &scrapeFlags{}
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs a one-shot scraping job",
		Long: `Executes a single job against the given URLs without the HTTP
service, printing the finished job as JSON on stdout. Useful for
testing selectors and targets before creating jobs over the API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrapeCommand(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "cli-scrape", "job name")
	cmd.Flags().StringArrayVar(&flags.urls, "url", nil, "target URL (repeatable)")
	cmd.Flags().StringToStringVar(&flags.selectors, "selector", nil, "field=css selector (repeatable)")
	cmd.Flags().StringVar(&flags.kind, "kind", string(scrape.DataKindGeneral), "data kind for all targets")
	cmd.Flags().BoolVar(&flags.render, "render", false, "force headless rendering")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runScrapeCommand(cmd *cobra.Command, flags *scrapeFlags) error {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	targets := make([]scrape.Target, 0, len(flags.urls))
	for _, rawURL := range flags.urls {
		target, err := scrape.NewTarget(rawURL, scrape.DataKind(flags.kind), scrape.TargetOptions{
			Selectors:         flags.selectors,
			RequiresRendering: flags.render,
		})
		if err != nil {
			return fmt.Errorf("target %q: %w", rawURL, err)
		}
		targets = append(targets, target)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, selector, closeExtractors := buildExtractors(cfg, logger)
	defer closeExtractors()

	eng := engine.New(memorystorage.NewJobStore(), selector, system.New(), uuid.New(),
		engineConfigFrom(cfg), logger.Named("engine"))

	job, err := eng.ExecuteTargets(ctx, flags.name, targets)
	if err != nil {
		return fmt.Errorf("execute job: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(job); encErr != nil {
		return fmt.Errorf("encode job: %w", encErr)
	}
	return nil
}
