package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyderes/findings-ingestion-service/internal/metrics"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run the pipeline a single time and print the run report",
	Long: "Runs one pipeline pass and prints its report as JSON. The command fails when the " +
		"run was aborted or any record could not be written.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ingestor, cleanup, err := buildService(ctx, cfg, store, metrics.New(nil), logger)
		if err != nil {
			return err
		}
		defer cleanup()

		report, runErr := ingestor.Run(ctx)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return runErr
	},
}
