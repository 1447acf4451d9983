package cmd

import (
	"fmt"

	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List concurrent edits and how they were resolved",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		res, err := e.Conflicts(ctx, limit)
		if err != nil {
			return err
		}
		if jsonOut {
			if res == nil {
				res = []conflict.Resolution{}
			}
			return output.JSON(res)
		}
		if len(res) == 0 {
			fmt.Println("No conflicts")
			return nil
		}
		for _, r := range res {
			fmt.Printf("%s  %s  %s vs %s -> %s  (%s)\n",
				r.CreatedAt.Local().Format("2006-01-02 15:04"),
				output.ShortID(r.AggregateID),
				output.ShortID(r.LocalEventID),
				output.ShortID(r.RemoteEventID),
				output.ShortID(r.ResolvedEventID),
				r.Strategy)
		}
		return nil
	},
}

func init() {
	conflictsCmd.Flags().IntP("limit", "n", 20, "maximum resolutions to show (0 for all)")
	rootCmd.AddCommand(conflictsCmd)
}
