package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/DocFlow/internal/adapter/postgres"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back PostgreSQL schema migrations",
		Long:  "Applies pending migrations to the PostgreSQL execution store. The sqlite store migrates itself on open; the natskv and memory stores have no schema.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Backend != "postgres" {
				fmt.Printf("store backend %q has no migrations\n", cfg.Store.Backend)
				return nil
			}

			ctx := cmd.Context()
			down, _ := cmd.Flags().GetInt("down")
			versionOnly, _ := cmd.Flags().GetBool("version")

			switch {
			case versionOnly:
			case down > 0:
				if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, down); err != nil {
					return err
				}
				fmt.Printf("rolled back %d migration(s)\n", down)
			default:
				if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
					return err
				}
			}

			v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", v)
			return nil
		},
	}

	cmd.Flags().Int("down", 0, "roll back this many migrations instead of applying")
	cmd.Flags().Bool("version", false, "print the current schema version and exit")
	return cmd
}
