package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siteharvest/harvester/internal/api"
	"github.com/siteharvest/harvester/internal/clock/system"
	"github.com/siteharvest/harvester/internal/config"
	"github.com/siteharvest/harvester/internal/engine"
	"github.com/siteharvest/harvester/internal/hash/sha256"
	"github.com/siteharvest/harvester/internal/id/uuid"
	memorypublisher "github.com/siteharvest/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/siteharvest/harvester/internal/publisher/pubsub"
	"github.com/siteharvest/harvester/internal/runner"
	"github.com/siteharvest/harvester/internal/scrape"
	"github.com/siteharvest/harvester/internal/storage/gcs"
	"github.com/siteharvest/harvester/internal/storage/local"
	memorystorage "github.com/siteharvest/harvester/internal/storage/memory"
	"github.com/siteharvest/harvester/internal/storage/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP scraping service",
		Long: `Runs the job API and execution engine as a long-lived service.
Storage, publishing and headless rendering backends are selected by
the configuration file and HARVESTER_* environment variables.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(*cobra.Command, []string) error {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	jobStore, closeStore, err := buildJobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	defer closeStore()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer closePublisher()

	protocol, selector, closeExtractors := buildExtractors(cfg, logger)
	defer closeExtractors()

	eng := engine.New(jobStore, selector, clock, idGen, engineConfigFrom(cfg), logger.Named("engine"))

	jobRunner := runner.New(eng, jobStore, blobStore, publisher, hasher, clock, runner.Config{
		ArchivePrefix:   cfg.Storage.Prefix,
		CompletionTopic: cfg.PubSub.TopicName,
	}, logger.Named("runner"))

	apiServer := api.NewServer(jobStore, jobRunner, idGen, clock, protocol, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := jobRunner.Shutdown(shutdownCtx); err != nil {
		logger.Error("runner shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildJobStore(ctx context.Context, cfg config.Config) (scrape.JobStore, func(), error) {
	if cfg.DB.DSN == "" {
		return memorystorage.NewJobStore(), func() {}, nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (scrape.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (scrape.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), func() {}, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	return pub, pub.Stop, nil
}
