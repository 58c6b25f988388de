package main

import (
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/fleetillo/dispatch-gateway/internal/bootstrap"
	"github.com/fleetillo/dispatch-gateway/internal/config"
	"github.com/fleetillo/dispatch-gateway/migrations"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
)

var migrationDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the dispatch schema",
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrationDir, "dir", "", "read migrations from this directory instead of the embedded set")
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				fsys, dir := migrationSource()
				return pg.Migrate(bootstrap.WriteConfig(config.Get()), fsys, dir)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				fsys, dir := migrationSource()
				return pg.Rollback(bootstrap.WriteConfig(config.Get()), fsys, dir)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				fsys, dir := migrationSource()
				return pg.MigrationStatus(bootstrap.WriteConfig(config.Get()), fsys, dir)
			},
		},
	)
	rootCmd.AddCommand(migrateCmd)
}

func migrationSource() (fs.FS, string) {
	if migrationDir != "" {
		return nil, migrationDir
	}
	return migrations.FS, "."
}
