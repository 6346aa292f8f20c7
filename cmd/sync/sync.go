// Package sync implements the sync subcommand: push every stored photo the
// backend has not acknowledged.
package sync

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patricksmith/highline-capture/internal/api"
	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/observability"
	"github.com/patricksmith/highline-capture/internal/photostore"
	"github.com/patricksmith/highline-capture/internal/realtime"
	"github.com/patricksmith/highline-capture/internal/syncer"
)

// Command returns the sync subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload stored photos the backend has not acknowledged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, settings, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending photos without uploading")
	return cmd
}

func runSync(cmd *cobra.Command, settings *conf.Settings, dryRun bool) error {
	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	store := photostore.New(settings, metrics.PhotoStore)
	defer store.Close()

	channel := realtime.NewChannel(settings, metrics.Channel)
	if err := channel.Start(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: event channel unavailable: %v\n", err)
	}
	defer channel.Disconnect()

	coordinator := syncer.New(settings, store, api.New(settings), nil, channel, nil)

	pending, err := coordinator.GetPendingUploads()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to sync")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d photo(s) pending upload\n", len(pending))
	if dryRun {
		for i := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  item=%s angle=%s captured=%s\n",
				pending[i].ID, pending[i].ItemID, pending[i].Angle,
				pending[i].CapturedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	if err := coordinator.RetryFailedUploads(cmd.Context()); err != nil {
		remaining, countErr := store.CountPending()
		if countErr == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Sync stopped, %d photo(s) still pending\n", remaining)
		}
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Sync complete")
	return nil
}
