package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/engine"
	"github.com/marcus/shelf/internal/output"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync with the relay server",
	Long: `Exchange events with the configured relay (relay.url in the config or
SHELF_RELAY_URL). By default pulls then pushes.

Examples:
  shelf sync            # pull, then push
  shelf sync --push     # only send local changes
  shelf sync --follow   # sync, then keep applying changes as they arrive`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		follow, _ := cmd.Flags().GetBool("follow")
		if pushOnly && pullOnly {
			return fmt.Errorf("%w: --push and --pull are exclusive", engine.ErrInvalidIntent)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, _, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		gw := e.Gateway()
		if gw == nil {
			return fmt.Errorf("%w: set relay.url with 'shelf config set relay.url <url>'", engine.ErrNoGateway)
		}
		if err := gw.Connect(ctx); err != nil && !errors.Is(err, cloud.ErrAlreadyConnected) {
			return err
		}
		defer gw.Disconnect(context.Background())

		var rep engine.SyncReport
		switch {
		case pushOnly:
			rep.Push, err = e.Push(ctx)
		case pullOnly:
			rep.Pull, err = e.Pull(ctx)
		default:
			rep, err = e.Sync(ctx)
		}
		if err != nil {
			return err
		}
		printSyncReport(rep)

		if !follow {
			return nil
		}
		if !jsonOut {
			output.Info("Following %s (Ctrl-C to stop)", gw.Provider())
		}
		err = e.Follow(ctx, func(res engine.ApplyResult) {
			if jsonOut {
				output.JSON(applySummary(res))
				return
			}
			output.Info("applied %d, resolved %d, converged %d", res.Applied, len(res.Resolved), res.Converged)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

type applyJSON struct {
	Applied    int      `json:"applied"`
	Duplicates int      `json:"duplicates"`
	Converged  int      `json:"converged"`
	Resolved   int      `json:"resolved"`
	Failed     []string `json:"failed,omitempty"`
}

func applySummary(r engine.ApplyResult) applyJSON {
	out := applyJSON{Applied: r.Applied, Duplicates: r.Duplicates, Converged: r.Converged, Resolved: len(r.Resolved)}
	for _, f := range r.Failed {
		out.Failed = append(out.Failed, fmt.Sprintf("%s: %v", f.EventID, f.Err))
	}
	return out
}

func printSyncReport(rep engine.SyncReport) {
	if jsonOut {
		output.JSON(map[string]any{
			"pull": map[string]any{
				"pages":  rep.Pull.Pages,
				"pulled": rep.Pull.Pulled,
				"cursor": rep.Pull.Cursor,
				"apply":  applySummary(rep.Pull.ApplyResult),
			},
			"push": rep.Push,
		})
		return
	}
	p := rep.Pull
	output.Success("Pulled %d event(s): %d applied, %d resolved, %d converged, %d duplicate",
		p.Pulled, p.Applied, len(p.Resolved), p.Converged, p.Duplicates)
	for _, f := range p.Failed {
		output.Warning("could not apply %s: %v", output.ShortID(f.EventID), f.Err)
	}
	output.Success("Pushed %d of %d queued (%d rejected, %d failed)",
		rep.Push.Pushed, rep.Push.Queued, rep.Push.Rejected, rep.Push.Failed)
}

func init() {
	syncCmd.Flags().Bool("push", false, "only push local events")
	syncCmd.Flags().Bool("pull", false, "only pull remote events")
	syncCmd.Flags().BoolP("follow", "f", false, "keep applying remote changes until interrupted")
	rootCmd.AddCommand(syncCmd)
}
