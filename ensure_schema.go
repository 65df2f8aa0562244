package main

import (
	"github.com/spf13/cobra"
)

var ensureSchemaCmd = &cobra.Command{
	Use:   "ensure-schema",
	Short: "Create the findings database, container and indexes if missing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		return store.Close()
	},
}
