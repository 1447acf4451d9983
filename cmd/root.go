package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/config"
	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/engine"
	"github.com/marcus/shelf/internal/output"
	"github.com/marcus/shelf/internal/syncclient"
	"github.com/spf13/cobra"
)

var (
	version string

	configPath string
	dbOverride string
	jsonOut    bool

	cfg *config.Config
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "shelf",
	Short: "Offline-first home inventory that syncs between devices",
	Long: `shelf - track what you own and where it is, on every device.

Every change is recorded as an event in a local SQLite log. Devices exchange
events through a shelf-relay server and resolve concurrent edits
deterministically, so all replicas converge.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		reportError(err)
		os.Exit(exitCode(err))
	}
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

func init() {
	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)

	// Custom usage template that shows aliases inline
	usageTemplate := `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`

	// Need to add the 'add' function for padding calculation
	cobra.AddTemplateFunc("add", func(a, b int) int { return a + b })

	rootCmd.SetUsageTemplate(usageTemplate)

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Inventory Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $SHELF_CONFIG or ~/.config/shelf/config.yaml)")
	pf.StringVar(&dbOverride, "db", "", "database path (overrides config)")
	pf.BoolVar(&jsonOut, "json", false, "JSON output")
}

// loadConfig reads the config and installs the slog handler it selects.
func loadConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			return err
		}
	}
	configPath = path

	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if dbOverride != "" {
		c.DBPath = dbOverride
	}
	cfg = c

	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// openEngine opens the configured replica. A relay URL in the config
// attaches an HTTP gateway. Storage failures come back as an error; the
// degraded engine is closed.
func openEngine(ctx context.Context) (*engine.Engine, db.Report, error) {
	opts := engine.Options{
		Policy:    cfg.Policy(),
		Backoff:   cfg.Backoff(),
		BatchSize: cfg.Sync.BatchSize,
		Logger:    slog.Default(),
	}
	if cfg.Relay.URL != "" {
		policy := opts.Policy
		opts.NewGateway = func(deviceID string) cloud.Gateway {
			return cloud.NewClient(syncclient.New(cfg.Relay.URL, cfg.Relay.Token), deviceID, policy)
		}
	}
	id := db.Identity{Name: cfg.Device.Name, Type: cfg.Device.Type}
	e, rep, err := engine.Open(ctx, cfg.DBPath, id, opts)
	if err != nil {
		e.Close()
		return nil, rep, err
	}
	return e, rep, nil
}

func reportError(err error) {
	if jsonOut {
		output.JSONErrorWithDetails(errorCode(err), err.Error(), map[string]interface{}{
			"class": engine.Classify(err).String(),
		})
		return
	}
	output.Error("%v", err)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, engine.ErrInvalidIntent), errors.Is(err, engine.ErrDeleted):
		return output.ErrCodeInvalidInput
	case errors.Is(err, db.ErrNoSession):
		return output.ErrCodeNoSession
	}
	var se *cloud.SyncError
	if errors.As(err, &se) || errors.Is(err, cloud.ErrNotConnected) || errors.Is(err, engine.ErrNoGateway) {
		return output.ErrCodeSync
	}
	if engine.Classify(err) == engine.Retryable {
		return output.ErrCodeConflict
	}
	return output.ErrCodeDatabase
}

// exitCode maps failure classes to process exit codes: 1 needs user
// action, 2 is worth retrying, 3 is fatal.
func exitCode(err error) int {
	switch engine.Classify(err) {
	case engine.Retryable:
		return 2
	case engine.Fatal:
		return 3
	}
	return 1
}
