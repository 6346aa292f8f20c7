// Package capture implements the capture subcommand: ingest image files as
// captured photos and queue them for upload.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/patricksmith/highline-capture/internal/api"
	"github.com/patricksmith/highline-capture/internal/capture"
	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/connectivity"
	"github.com/patricksmith/highline-capture/internal/observability"
	"github.com/patricksmith/highline-capture/internal/photostore"
	"github.com/patricksmith/highline-capture/internal/realtime"
	"github.com/patricksmith/highline-capture/internal/uploadqueue"
)

// Command returns the capture subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		itemID    string
		angle     string
		sessionID string
		roomID    string
		offline   bool
	)

	cmd := &cobra.Command{
		Use:   "capture [files or directories]",
		Short: "Ingest image files as captured photos and upload them",
		Long: `Capture processes the given image files (or every image in the given
directories), stores them durably, and uploads them to the backend. Photos
that cannot be uploaded stay in the store for a later sync.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd.Context(), settings, args, itemID, angle, sessionID, roomID, offline)
		},
	}

	cmd.Flags().StringVarP(&itemID, "item", "i", "", "Inventory item the photos belong to (required)")
	cmd.Flags().StringVarP(&angle, "angle", "a", photostore.AngleFront, "Photo angle: front, back, left, right, top or detail")
	cmd.Flags().StringVar(&sessionID, "session", "", "Existing capture session to record photos under")
	cmd.Flags().StringVar(&roomID, "room", "", "Start a new capture session for this room")
	cmd.Flags().BoolVar(&offline, "offline", viper.GetBool("capture.offline"), "Store only, do not attempt uploads")
	_ = cmd.MarkFlagRequired("item")

	return cmd
}

func runCapture(ctx context.Context, settings *conf.Settings, paths []string,
	itemID, angle, sessionID, roomID string, offline bool) error {

	files, err := collectImageFiles(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no image files found in %s", strings.Join(paths, ", "))
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	store := photostore.New(settings, metrics.PhotoStore)
	defer store.Close()

	var queue *uploadqueue.Manager
	var publisher capture.EventPublisher
	if !offline {
		monitor := connectivity.NewMonitor(settings)
		monitor.Start(ctx)
		defer monitor.Stop()

		channel := realtime.NewChannel(settings, metrics.Channel)
		if err := channel.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: event channel unavailable: %v\n", err)
		}
		defer channel.Disconnect()
		publisher = channel

		queue = uploadqueue.NewManager(settings, store, api.New(settings), monitor, channel, metrics.Queue)
		queue.Start(ctx)
		defer queue.Stop()
	}

	var enqueuer capture.Enqueuer
	if queue != nil {
		enqueuer = queue
	}
	service := capture.New(settings, store, enqueuer, publisher)

	if roomID != "" {
		session, err := service.StartSession(roomID, roomID)
		if err != nil {
			return err
		}
		sessionID = session.ID
		defer func() {
			if _, err := service.EndSession(sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not end session: %v\n", err)
			}
		}()
	}

	captured := 0
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", file, err)
			continue
		}
		photo, err := service.CapturePhoto(raw, itemID, angle, sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", file, err)
			continue
		}
		captured++
		fmt.Printf("Captured %s (%dx%d, %d bytes)\n",
			filepath.Base(file), photo.Width, photo.Height, photo.SizeBytes)
	}
	if captured == 0 {
		return fmt.Errorf("no photos captured")
	}

	if queue != nil {
		waitForQueue(ctx, queue)
	}

	fmt.Printf("Captured %d photo(s) for item %s\n", captured, itemID)
	return nil
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

func collectImageFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
	}
	return files, nil
}

// waitForQueue blocks until the queue settles or the context ends. Uploads
// that cannot finish stay stored for the sync command.
func waitForQueue(ctx context.Context, queue *uploadqueue.Manager) {
	done := make(chan struct{})
	unsubscribe := queue.OnProgress(func(upload uploadqueue.Upload) {
		stats := queue.Stats()
		if stats.Pending == 0 && stats.InFlight == 0 && stats.Retrying == 0 {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	stats := queue.Stats()
	if stats.Pending == 0 && stats.InFlight == 0 && stats.Retrying == 0 {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
