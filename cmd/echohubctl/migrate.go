package main

import (
	"github.com/spf13/cobra"

	"github.com/huebyte/echohub/db"
)

func (a *app) migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if down {
				err = db.MigrateDown(store.DB())
			} else {
				err = db.RunMigrations(store.DB())
			}
			if err != nil {
				return err
			}
			version, dirty, err := db.GetMigrationVersion(store.DB())
			if err != nil {
				return err
			}
			a.printf("schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back every migration")
	return cmd
}
