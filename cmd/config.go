package cmd

import (
	"fmt"

	"github.com/marcus/shelf/internal/config"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show or change settings",
	GroupID: "system",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (file, then environment)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Relay.Token != "" {
			shown.Relay.Token = "********"
		}
		if jsonOut {
			return output.JSON(shown)
		}
		data, err := yaml.Marshal(shown)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", configPath, data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the config file",
	Long: `Change one setting in the config file. Keys:

  db_path, device.name, device.type, log.level, log.format,
  relay.url, relay.token, sync.batch_size, sync.max_attempts,
  sync.item_strategy`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Environment overrides are not written back.
		file, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		if err := file.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(configPath, file); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		output.Success("Set %s in %s", args[0], configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
