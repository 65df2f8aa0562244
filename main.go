package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cyderes/findings-ingestion-service/internal/changes"
	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/credentials"
	"github.com/cyderes/findings-ingestion-service/internal/extraction"
	"github.com/cyderes/findings-ingestion-service/internal/ingestion"
	"github.com/cyderes/findings-ingestion-service/internal/metrics"
	"github.com/cyderes/findings-ingestion-service/internal/objectpool"
	"github.com/cyderes/findings-ingestion-service/internal/storage"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "findings-ingestion-service",
	Short: "Scans text sources for sensitive data and stores the findings",
	Long: "Periodically submits new or changed text objects to the entity-extraction service " +
		"and persists one finding record per recognized entity.",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file before reading configuration")
	rootCmd.AddCommand(serveCmd, runOnceCmd, ensureSchemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates configuration and installs the JSON logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore connects to the configured backend and makes sure the findings container
// exists with its partition key and indexing policy.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	store, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	schema := storage.DefaultSchema(cfg.Storage.Database, cfg.Storage.Container)
	if err := store.EnsureSchema(ctx, schema); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	logger.Info("store ready",
		"type", cfg.Storage.Type,
		"database", schema.Database,
		"container", schema.Container,
		"partition_key", schema.PartitionKeyPath,
	)
	return store, nil
}

// buildService wires the credential provider, extraction client and, when an object
// pool is configured, the pool source and change detector. The returned cleanup
// releases workers and closes the checkpoint store.
func buildService(ctx context.Context, cfg *config.Config, store storage.Storage, m *metrics.Metrics, logger *slog.Logger) (*ingestion.Service, func(), error) {
	renewer, err := credentials.NewRenewer(cfg.Credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure credentials: %w", err)
	}
	provider := credentials.NewProvider(renewer,
		credentials.WithLifetime(cfg.Credentials.Lifetime),
		credentials.WithTimeout(cfg.Credentials.Timeout),
		credentials.WithLogger(logger),
	)

	extractor, err := extraction.NewClient(cfg.Extraction, provider, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create extraction client: %w", err)
	}

	opts := []ingestion.Option{ingestion.WithMetrics(m), ingestion.WithLogger(logger)}
	var detector *changes.Detector
	if cfg.ObjectPool.PoolEnabled() {
		source, err := objectpool.NewS3Source(cfg.ObjectPool)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create object source: %w", err)
		}
		checkpoints, err := changes.NewCheckpointStore(ctx, cfg.Checkpoint, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		detector = changes.NewDetector(checkpoints)
		opts = append(opts, ingestion.WithObjectSource(source, detector))
		logger.Info("object pool enabled", "bucket", cfg.ObjectPool.Bucket, "checkpoints", cfg.Checkpoint.Type)
	} else {
		logger.Info("no object pool configured, submitting the template's sample text")
	}

	svc, err := ingestion.NewService(cfg.Ingestion, store, provider, extractor, opts...)
	if err != nil {
		if detector != nil {
			detector.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		svc.Release()
		if detector != nil {
			if err := detector.Close(); err != nil {
				logger.Error("failed to close checkpoint store", "error", err)
			}
		}
	}
	return svc, cleanup, nil
}
