package cmd

import (
	"fmt"

	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"info"},
	Short:   "Show replica health, counts and sync position",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, rep, err := openEngine(ctx)
		if err != nil {
			// Still report what we can about a broken database.
			if jsonOut {
				return output.JSON(map[string]any{"db_path": cfg.DBPath, "degraded": err.Error(), "schema": rep})
			}
			output.Error("database unavailable: %v", err)
			return err
		}
		defer e.Close()

		st, err := e.Status(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(st)
		}

		fmt.Print(output.SectionHeader("replica")[1:])
		fmt.Printf("  Device:   %s\n", st.DeviceID)
		fmt.Printf("  Database: %s (schema v%d)\n", st.DBPath, st.SchemaVersion)
		if st.MigrationStatus == db.MigrationFailed {
			output.Warning("last migration failed: %s", st.MigrationError)
		}
		fmt.Printf("  Items: %d  Locations: %d  Events: %d  Devices: %d\n", st.Items, st.Locations, st.Events, st.Devices)

		fmt.Print(output.SectionHeader("sync"))
		if st.Provider == "" {
			fmt.Println("  No relay configured")
			return nil
		}
		fmt.Printf("  Relay: %s (%s)\n", cfg.Relay.URL, st.Gateway)
		last := "never"
		if st.LastFullSync != nil {
			last = output.FormatTimeAgo(*st.LastFullSync)
		}
		fmt.Printf("  Last sync: %s  Pull cursor: %d\n", last, st.PullCursor)
		for _, s := range []models.SyncStatus{models.SyncPending, models.SyncSynced, models.SyncConflict, models.SyncError} {
			if n := st.Records[s]; n > 0 {
				fmt.Printf("  %s %d\n", output.FormatSyncStatus(s), n)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
