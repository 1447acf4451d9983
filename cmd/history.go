package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [item-or-location]",
	Short: "Show the event history of an item or location, or the sync log",
	Long: `With an argument, list every event recorded for that item or location.
Without one, show the most recent push, pull and resolve entries.`,
	GroupID: "sync",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if len(args) == 0 {
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := e.SyncHistory(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				if entries == nil {
					entries = []models.SyncHistoryEntry{}
				}
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No sync history")
				return nil
			}
			for _, h := range entries {
				fmt.Printf("%s  %-7s %-9s %s\n", h.Timestamp.Local().Format("2006-01-02 15:04:05"),
					h.Direction, h.Status, output.ShortID(h.EventID))
			}
			return nil
		}

		id, err := resolveItemID(ctx, e, args[0])
		if err != nil {
			if id, err = resolveLocationID(ctx, e, args[0]); err != nil {
				return err
			}
		}
		evs, err := e.History(ctx, id)
		if err != nil {
			return err
		}
		if jsonOut {
			if evs == nil {
				evs = []events.Event{}
			}
			return output.JSON(evs)
		}
		for _, ev := range evs {
			fmt.Printf("v%-3d %s  %-18s %-10s %s\n", ev.Version,
				ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
				ev.Type, output.ShortID(ev.DeviceID), clockString(ev.Clock))
		}
		return nil
	},
}

func clockString(c map[string]uint64) string {
	parts := make([]string, 0, len(c))
	for d, n := range c {
		parts = append(parts, fmt.Sprintf("%s:%d", output.ShortID(d), n))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, " ") + "}"
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "sync log entries to show")
	rootCmd.AddCommand(historyCmd)
}
