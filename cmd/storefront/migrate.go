package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zyndor1548/storefront-payments/internal/config"
	"github.com/zyndor1548/storefront-payments/internal/ledger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			var store *ledger.SQLStore
			if cfg.MySQLDSN != "" {
				store, err = ledger.OpenMySQL(cfg.MySQLDSN)
			} else {
				store, err = ledger.OpenSQLite(cfg.SQLitePath)
			}
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Ledger schema is up to date")
			return nil
		},
	}
}
