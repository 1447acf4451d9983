package cmd

import (
	"fmt"

	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local database, or migrate and repair an existing one",
	Long: `Create the local database, or bring an existing one up to date.

A database written by an older shelf version is migrated to the event log
in one transaction; if that fails nothing changes and the error is kept
for 'shelf status'. Running init again is harmless.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, rep, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if jsonOut {
			return output.JSON(rep)
		}
		switch rep.Action {
		case db.ActionCreated:
			output.Success("Created %s", cfg.DBPath)
		case db.ActionMigrated:
			output.Success("Migrated schema v%d to v%d: %d item(s), %d location(s)",
				rep.FromVersion, rep.ToVersion, rep.Legacy.Items, rep.Legacy.Locations)
			if n := rep.Legacy.Reminted(); n > 0 {
				output.Warning("%d legacy id(s) were not valid and got new ids", n)
			}
		case db.ActionRepaired:
			output.Success("Repaired missing tables: %v", rep.Repaired)
		default:
			output.Info("Database %s is up to date (schema v%d)", cfg.DBPath, rep.ToVersion)
		}
		fmt.Printf("Device: %s (%s, %s)\n", rep.DeviceID, cfg.Device.Name, cfg.Device.Type)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
