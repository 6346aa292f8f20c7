// Package syncer reconciles the durable photo store with the backend.
//
// The coordinator is the recovery path next to the upload queue: it finds
// stored photos that never made it to the server (crashes, expired queue
// metadata, failed uploads) and pushes them one at a time. The per-photo
// upload claim in the store keeps the two paths from transferring the same
// photo concurrently.
package syncer

import (
	"context"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/patricksmith/highline-capture/internal/api"
	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/logging"
	"github.com/patricksmith/highline-capture/internal/photostore"
	"github.com/patricksmith/highline-capture/internal/realtime"
)

var serviceLogger *slog.Logger

func init() {
	var err error
	logFilePath := filepath.Join("logs", "syncer.log")
	serviceLogger, _, err = logging.NewFileLogger(logFilePath, "syncer", slog.LevelInfo)
	if err != nil {
		log.Printf("Failed to initialize syncer file logger at %s: %v", logFilePath, err)
		serviceLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// claimOwner identifies the coordinator when taking per-photo upload claims.
const claimOwner = "syncer"

// OnlineMonitor is the connectivity signal that triggers automatic sync.
type OnlineMonitor interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

// EventPublisher announces synced photos on the duplex channel.
type EventPublisher interface {
	Publish(env realtime.Envelope) error
}

// KeepFunc lets another component veto retention sweeps for photos it still
// references.
type KeepFunc func(photoID string) bool

// Coordinator drains unsynced photos to the backend.
type Coordinator struct {
	settings  *conf.Settings
	store     photostore.Interface
	client    api.Interface
	monitor   OnlineMonitor
	publisher EventPublisher
	keep      KeepFunc

	mu      sync.Mutex
	queue   []string // photo IDs, FIFO
	syncing bool

	unsubscribeOnline func()
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

// New creates a sync coordinator. keep may be nil.
func New(settings *conf.Settings, store photostore.Interface, client api.Interface,
	monitor OnlineMonitor, publisher EventPublisher, keep KeepFunc) *Coordinator {
	return &Coordinator{
		settings:  settings,
		store:     store,
		client:    client,
		monitor:   monitor,
		publisher: publisher,
		keep:      keep,
	}
}

// Start begins background reconciliation: a sync pass on every offline-to-
// online transition, plus a periodic retention sweep of uploaded photos.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.monitor != nil {
		c.unsubscribeOnline = c.monitor.Subscribe(func(online bool) {
			if online {
				go c.syncPass()
			}
		})
	}

	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop ends background work and waits for a running pass to finish.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	if c.unsubscribeOnline != nil {
		c.unsubscribeOnline()
	}
	c.cancel()
	c.wg.Wait()
}

// QueueForSync adds a photo to the sync backlog. Duplicates are ignored.
// When the backend is reachable a drain starts right away instead of waiting
// for the next connectivity transition.
func (c *Coordinator) QueueForSync(photoID string) {
	c.mu.Lock()
	for _, queued := range c.queue {
		if queued == photoID {
			c.mu.Unlock()
			return
		}
	}
	c.queue = append(c.queue, photoID)
	c.mu.Unlock()

	if c.monitor != nil && c.monitor.IsOnline() {
		ctx := c.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		go func() {
			if err := c.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				serviceLogger.Warn("Immediate sync failed", "error", err)
			}
		}()
	}
}

// Backlog returns the photo IDs currently waiting for sync.
func (c *Coordinator) Backlog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.queue...)
}

// GetPendingUploads lists stored photos the server has not acknowledged.
func (c *Coordinator) GetPendingUploads() ([]photostore.CapturedPhoto, error) {
	pending := false
	return c.store.Get(photostore.PhotoFilter{Uploaded: &pending})
}

// RetryFailedUploads rebuilds the backlog from the store and runs a sync
// pass. It is the manual "sync everything" entry point.
func (c *Coordinator) RetryFailedUploads(ctx context.Context) error {
	photos, err := c.GetPendingUploads()
	if err != nil {
		return err
	}
	for i := range photos {
		c.QueueForSync(photos[i].ID)
	}
	return c.SyncNow(ctx)
}

// SyncNow drains the backlog strictly one photo at a time. The first failure
// puts the photo back at the front and stops the pass; order is preserved for
// the next attempt. Photos claimed by the upload queue are skipped, not
// failed. Only one pass runs at a time.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return nil
	}
	c.syncing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	synced := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			break
		}
		photoID := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		switch err := c.syncOne(ctx, photoID); {
		case err == nil:
			synced++
		case errors.Is(err, photostore.ErrAlreadyClaimed):
			serviceLogger.Debug("Photo claimed by another path, skipping", "photo_id", photoID)
		case errors.Is(err, photostore.ErrNotFound):
			serviceLogger.Warn("Photo disappeared before sync", "photo_id", photoID)
		default:
			// Back to the front so the next pass resumes here.
			c.mu.Lock()
			c.queue = append([]string{photoID}, c.queue...)
			c.mu.Unlock()
			serviceLogger.Warn("Sync pass stopped on failure",
				"photo_id", photoID, "synced", synced, "error", err)
			return err
		}
	}

	if synced > 0 {
		serviceLogger.Info("Sync pass complete", "synced", synced)
	}
	return nil
}

// syncOne claims, uploads and marks a single photo.
func (c *Coordinator) syncOne(ctx context.Context, photoID string) error {
	if err := c.store.Claim(photoID, claimOwner); err != nil {
		return err
	}

	photo, err := c.store.GetByID(photoID)
	if err != nil {
		_ = c.store.Release(photoID, claimOwner)
		return err
	}
	if photo.Uploaded {
		return nil
	}

	payload := photo.CompressedData
	if len(payload) == 0 {
		payload = photo.OriginalData
	}
	if len(payload) == 0 {
		_ = c.store.Release(photoID, claimOwner)
		return errors.Newf("photo %s has no payload to sync", photoID).
			Component("syncer").
			Category(errors.CategorySync).
			Build()
	}

	_, err = c.client.UploadPhoto(ctx, &api.UploadRequest{
		PhotoID:   photo.ID,
		ItemID:    photo.ItemID,
		SessionID: photo.SessionID,
		Angle:     photo.Angle,
		Filename:  photo.ID + ".jpg",
		Payload:   payload,
		Metadata: api.UploadMetadata{
			Width:            photo.Width,
			Height:           photo.Height,
			SizeBytes:        photo.SizeBytes,
			Quality:          photo.Quality,
			CompressionRatio: photo.CompressionRatio,
			DeviceType:       photo.DeviceType,
			QueueTimestamp:   photo.CapturedAt.UnixMilli(),
			Exif:             photo.ExifFields(),
		},
	})
	if err != nil {
		_ = c.store.Release(photoID, claimOwner)
		return err
	}

	if err := c.store.MarkUploaded(photoID); err != nil {
		return err
	}
	if c.publisher != nil {
		data := map[string]any{
			"photoId": photo.ID,
			"itemId":  photo.ItemID,
			"angle":   photo.Angle,
		}
		if err := c.publisher.Publish(realtime.NewEnvelope(realtime.EventPhotoUploaded, data, photo.SessionID)); err != nil {
			serviceLogger.Debug("Channel publish skipped", "error", err)
		}
	}
	return nil
}

// syncPass is the automatic entry point on reconnect: rebuild the backlog
// from the store, then drain it.
func (c *Coordinator) syncPass() {
	if err := c.RetryFailedUploads(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
		serviceLogger.Warn("Automatic sync pass failed", "error", err)
	}
}

// sweepLoop removes uploaded photos past the retention age. Photos another
// component still references are kept.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	retention := c.settings.Store.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	interval := retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			keep := func(photoID string) bool {
				return c.keep != nil && c.keep(photoID)
			}
			swept, err := c.store.Sweep(retention, keep)
			if err != nil {
				serviceLogger.Error("Retention sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				serviceLogger.Info("Retention sweep removed photos", "count", swept)
			}
		}
	}
}
