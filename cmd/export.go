package cmd

import (
	"fmt"
	"os"

	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a JSON backup of the current inventory",
	Long: `Write the current items and locations as a JSON backup, to stdout or a
file. The format is the same one older shelf versions produced, so the
backup can be restored by any version.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		data, err := e.ExportJSON(ctx)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("output")
		if path == "" || path == "-" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
		output.Success("Wrote %s", path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "file to write (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
