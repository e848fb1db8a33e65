package cmd

import (
	"github.com/spf13/cobra"

	"parcel-audit/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()
		return db.Migrate(a.DB, log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
