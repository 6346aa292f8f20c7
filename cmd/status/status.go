// Package status implements the status subcommand: report store, queue and
// backend state.
package status

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/photostore"
)

// Command returns the status subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show photo store contents and backend reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, settings)
		},
	}
}

func runStatus(cmd *cobra.Command, settings *conf.Settings) error {
	out := cmd.OutOrStdout()

	store := photostore.New(settings, nil)
	defer store.Close()

	pending, err := store.CountPending()
	if err != nil {
		return err
	}
	all, err := store.Get(photostore.PhotoFilter{})
	if err != nil {
		return err
	}
	sessions, err := store.GetSessions(photostore.SessionActive)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Store:    %s\n", settings.Store.Path)
	fmt.Fprintf(out, "Photos:   %d total, %d pending upload\n", len(all), pending)
	fmt.Fprintf(out, "Sessions: %d active\n", len(sessions))
	for i := range sessions {
		fmt.Fprintf(out, "  %s  room=%s photos=%d\n",
			sessions[i].ID, sessions[i].RoomID, sessions[i].PhotoCount)
	}

	fmt.Fprintf(out, "Backend:  %s ", settings.Server.Origin)
	if backendReachable(cmd.Context(), settings) {
		fmt.Fprintln(out, "(online)")
	} else {
		fmt.Fprintln(out, "(offline)")
	}
	return nil
}

func backendReachable(ctx context.Context, settings *conf.Settings) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, settings.Server.Origin, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
