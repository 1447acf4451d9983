package cmd

import (
	"fmt"

	"github.com/marcus/shelf/internal/engine"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var itemCmd = &cobra.Command{
	Use:     "item",
	Aliases: []string{"items", "i"},
	Short:   "Add, change and list inventory items",
	GroupID: "core",
}

var itemAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add an item",
	Long: `Add an item to the inventory.

Examples:
  shelf item add "Cordless drill" --location Garage
  shelf item add Batteries --qty 12 --category electronics --extra size=AA`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		f := events.ItemFields{Title: args[0]}
		f.Quantity, _ = cmd.Flags().GetInt("qty")
		f.Notes, _ = cmd.Flags().GetString("notes")
		f.Category, _ = cmd.Flags().GetString("category")
		f.Barcode, _ = cmd.Flags().GetString("barcode")
		if cmd.Flags().Changed("price") {
			p, _ := cmd.Flags().GetFloat64("price")
			f.Price = &p
		}
		loc, _ := cmd.Flags().GetString("location")
		if f.LocationID, err = resolveLocationID(ctx, e, loc); err != nil {
			return err
		}
		extra, _ := cmd.Flags().GetStringArray("extra")
		if f.Extra, err = parseExtra(extra); err != nil {
			return err
		}

		it, err := e.CreateItem(ctx, f)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(it)
		}
		output.Success("Added %s %s", output.ShortID(it.ID), it.Title)
		return nil
	},
}

var itemUpdateCmd = &cobra.Command{
	Use:     "update <id>",
	Aliases: []string{"edit", "set"},
	Short:   "Change an item's fields",
	Long: `Change an item's fields. Only the flags given are changed.

Pass --expect with the version you last saw to refuse the update when
someone else changed the item in the meantime.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := resolveItemID(ctx, e, args[0])
		if err != nil {
			return err
		}

		var p events.ItemUpdated
		fl := cmd.Flags()
		if fl.Changed("title") {
			v, _ := fl.GetString("title")
			p.Title = &v
		}
		if fl.Changed("notes") {
			v, _ := fl.GetString("notes")
			p.Notes = &v
		}
		if fl.Changed("category") {
			v, _ := fl.GetString("category")
			p.Category = &v
		}
		if fl.Changed("barcode") {
			v, _ := fl.GetString("barcode")
			p.Barcode = &v
		}
		if fl.Changed("qty") {
			v, _ := fl.GetInt("qty")
			p.Quantity = &v
		}
		if fl.Changed("price") {
			v, _ := fl.GetFloat64("price")
			p.Price = &v
		}
		if fl.Changed("location") {
			ref, _ := fl.GetString("location")
			loc, err := resolveLocationID(ctx, e, ref)
			if err != nil {
				return err
			}
			p.LocationID = &loc
		}
		extra, _ := fl.GetStringArray("extra")
		if p.Extra, err = parseExtra(extra); err != nil {
			return err
		}
		expected, _ := fl.GetInt("expect")

		it, err := e.UpdateItem(ctx, id, expected, p)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(it)
		}
		output.Success("Updated %s %s (v%d)", output.ShortID(it.ID), it.Title, it.Version)
		return nil
	},
}

var itemRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete", "remove"},
	Short:   "Delete an item",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := resolveItemID(ctx, e, args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		expected, _ := cmd.Flags().GetInt("expect")
		if err := e.DeleteItem(ctx, id, expected, reason); err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(map[string]string{"deleted": id})
		}
		output.Success("Deleted %s", output.ShortID(id))
		return nil
	},
}

var itemLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List items",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		locs, err := e.Locations(ctx)
		if err != nil {
			return err
		}
		var items []models.ItemState
		if ref, _ := cmd.Flags().GetString("location"); ref != "" {
			loc, err := resolveLocationID(ctx, e, ref)
			if err != nil {
				return err
			}
			items, err = e.ItemsIn(ctx, loc)
			if err != nil {
				return err
			}
		} else if items, err = e.Items(ctx); err != nil {
			return err
		}
		if cat, _ := cmd.Flags().GetString("category"); cat != "" {
			items = filterCategory(items, cat)
		}

		if jsonOut {
			if items == nil {
				items = []models.ItemState{}
			}
			return output.JSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No items")
			return nil
		}
		names := locationNames(locs)
		width := output.TerminalWidth(100)
		for _, it := range items {
			fmt.Println(output.FormatItemShort(it, names[it.LocationID], width))
		}
		return nil
	},
}

var itemShowCmd = &cobra.Command{
	Use:     "show <id>",
	Aliases: []string{"get", "view"},
	Short:   "Show an item",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := resolveItemID(ctx, e, args[0])
		if err != nil {
			return err
		}
		it, err := e.Item(ctx, id)
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(it)
		}
		var path []models.LocationState
		if it.LocationID != "" {
			// A dangling location is shown without a path.
			path, _ = e.LocationPath(ctx, it.LocationID)
		}
		fmt.Print(output.FormatItemLong(it, path))
		return nil
	},
}

func filterCategory(items []models.ItemState, cat string) []models.ItemState {
	var out []models.ItemState
	for _, it := range items {
		if it.Category == cat {
			out = append(out, it)
		}
	}
	return out
}

func addItemFieldFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("qty", "q", 1, "quantity")
	cmd.Flags().StringP("notes", "n", "", "notes (markdown)")
	cmd.Flags().StringP("category", "c", "", "category")
	cmd.Flags().String("barcode", "", "barcode")
	cmd.Flags().Float64("price", 0, "unit price")
	cmd.Flags().StringP("location", "l", "", "location id, id prefix or name")
	cmd.Flags().StringArray("extra", nil, "extra field as key=value (repeatable)")
}

func init() {
	addItemFieldFlags(itemAddCmd)

	addItemFieldFlags(itemUpdateCmd)
	itemUpdateCmd.Flags().StringP("title", "t", "", "new title")
	itemUpdateCmd.Flags().Int("expect", engine.AnyVersion, "fail unless the item is at this version")

	itemRmCmd.Flags().String("reason", "", "why the item is gone")
	itemRmCmd.Flags().Int("expect", engine.AnyVersion, "fail unless the item is at this version")

	itemLsCmd.Flags().StringP("location", "l", "", "only items directly in this location")
	itemLsCmd.Flags().StringP("category", "c", "", "only items in this category")

	itemCmd.AddCommand(itemAddCmd, itemUpdateCmd, itemRmCmd, itemLsCmd, itemShowCmd)
	rootCmd.AddCommand(itemCmd)
}
