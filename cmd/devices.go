package cmd

import (
	"fmt"

	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Short:   "List devices known to this replica",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		ds, err := e.Devices(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			if ds == nil {
				ds = []models.Device{}
			}
			return output.JSON(ds)
		}
		for _, d := range ds {
			me := ""
			if d.ID == e.DeviceID() {
				me = " (this device)"
			}
			last := "never"
			if d.LastSync != nil {
				last = output.FormatTimeAgo(*d.LastSync)
			}
			name := d.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("%s  %-16s %-8s synced %s%s\n", output.ShortID(d.ID), name, d.Type, last, me)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
