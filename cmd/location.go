package cmd

import (
	"fmt"

	"github.com/marcus/shelf/internal/engine"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var locationCmd = &cobra.Command{
	Use:     "location",
	Aliases: []string{"loc", "locations"},
	Short:   "Manage the tree of storage locations",
	GroupID: "core",
}

var locationAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a location",
	Long: `Add a location, optionally inside another one.

Examples:
  shelf location add House
  shelf location add Attic --parent House`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		f := events.LocationFields{Name: args[0]}
		f.Notes, _ = cmd.Flags().GetString("notes")
		parent, _ := cmd.Flags().GetString("parent")
		if f.ParentID, err = resolveLocationID(ctx, e, parent); err != nil {
			return err
		}
		loc, err := e.CreateLocation(ctx, f)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(loc)
		}
		output.Success("Added location %s %s", output.ShortID(loc.ID), loc.Name)
		return nil
	},
}

var locationRenameCmd = &cobra.Command{
	Use:   "rename <location> <new-name>",
	Short: "Rename a location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := resolveLocationID(ctx, e, args[0])
		if err != nil {
			return err
		}
		patch := events.LocationUpdated{Name: &args[1]}
		if cmd.Flags().Changed("notes") {
			notes, _ := cmd.Flags().GetString("notes")
			patch.Notes = &notes
		}
		expected, _ := cmd.Flags().GetInt("expect")
		loc, err := e.UpdateLocation(ctx, id, expected, patch)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(loc)
		}
		output.Success("Renamed %s to %s", output.ShortID(loc.ID), loc.Name)
		return nil
	},
}

var locationMvCmd = &cobra.Command{
	Use:     "mv <location> [new-parent]",
	Aliases: []string{"move"},
	Short:   "Move a location under another one, or to the top level",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := resolveLocationID(ctx, e, args[0])
		if err != nil {
			return err
		}
		parent := ""
		if len(args) == 2 {
			if parent, err = resolveLocationID(ctx, e, args[1]); err != nil {
				return err
			}
		}
		expected, _ := cmd.Flags().GetInt("expect")
		loc, err := e.MoveLocation(ctx, id, expected, parent)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(loc)
		}
		path, _ := e.LocationPath(ctx, loc.ID)
		output.Success("Moved to %s", output.LocationPath(path))
		return nil
	},
}

var locationRmCmd = &cobra.Command{
	Use:     "rm <location>",
	Aliases: []string{"delete", "remove"},
	Short:   "Delete an empty location",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := resolveLocationID(ctx, e, args[0])
		if err != nil {
			return err
		}
		expected, _ := cmd.Flags().GetInt("expect")
		if err := e.DeleteLocation(ctx, id, expected); err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(map[string]string{"deleted": id})
		}
		output.Success("Deleted location %s", output.ShortID(id))
		return nil
	},
}

var locationLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list", "tree"},
	Short:   "Show the location tree",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if jsonOut {
			locs, err := e.Locations(ctx)
			if err != nil {
				return err
			}
			if locs == nil {
				locs = []models.LocationState{}
			}
			return output.JSON(locs)
		}

		tree, err := e.Hierarchy(ctx)
		if err != nil {
			return err
		}
		if tree.Len() == 0 {
			fmt.Println("No locations")
			return nil
		}
		items, err := e.Items(ctx)
		if err != nil {
			return err
		}
		counts := map[string]int{}
		for _, it := range items {
			counts[it.LocationID]++
		}
		children := map[string][]models.LocationState{"": tree.Children("")}
		for _, l := range tree.Descendants("") {
			children[l.ID] = tree.Children(l.ID)
		}
		for _, line := range output.LocationTree(children, counts) {
			fmt.Println(line)
		}
		if n := counts[""]; n > 0 {
			fmt.Printf("\n%d item(s) without a location\n", n)
		}
		return nil
	},
}

func init() {
	locationAddCmd.Flags().StringP("parent", "p", "", "parent location id, id prefix or name")
	locationAddCmd.Flags().StringP("notes", "n", "", "notes")

	locationRenameCmd.Flags().StringP("notes", "n", "", "replace notes")
	for _, c := range []*cobra.Command{locationRenameCmd, locationMvCmd, locationRmCmd} {
		c.Flags().Int("expect", engine.AnyVersion, "fail unless the location is at this version")
	}

	locationCmd.AddCommand(locationAddCmd, locationRenameCmd, locationMvCmd, locationRmCmd, locationLsCmd)
	rootCmd.AddCommand(locationCmd)
}
