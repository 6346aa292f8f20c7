// worker.go: the transfer path for one upload attempt.
package uploadqueue

import (
	"context"
	"time"

	"github.com/patricksmith/highline-capture/internal/api"
	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/photostore"
	"github.com/patricksmith/highline-capture/internal/realtime"
)

// transfer performs one upload attempt end to end: claim the photo, read its
// payload, push it over the wire and settle the outcome.
func (m *Manager) transfer(ctx context.Context, upload *Upload) {
	defer m.wg.Done()
	started := time.Now()

	if err := m.store.Claim(upload.PhotoID, claimOwner); err != nil {
		if errors.Is(err, photostore.ErrAlreadyClaimed) {
			m.settleContention(upload)
			return
		}
		m.settleFailure(upload, err, started)
		return
	}

	photo, err := m.store.GetByID(upload.PhotoID)
	if err != nil {
		_ = m.store.Release(upload.PhotoID, claimOwner)
		m.settleFailure(upload, err, started)
		return
	}
	if photo.Uploaded {
		// Another path finished this photo between enqueue and dispatch.
		m.settleSuccess(upload, photo, started)
		return
	}

	payload := photo.CompressedData
	if len(payload) == 0 {
		payload = photo.OriginalData
	}

	req := &api.UploadRequest{
		PhotoID:   photo.ID,
		ItemID:    photo.ItemID,
		SessionID: photo.SessionID,
		Angle:     upload.Angle,
		Filename:  photo.ID + ".jpg",
		Payload:   payload,
		Metadata: api.UploadMetadata{
			Width:            photo.Width,
			Height:           photo.Height,
			SizeBytes:        photo.SizeBytes,
			Quality:          photo.Quality,
			CompressionRatio: photo.CompressionRatio,
			DeviceType:       photo.DeviceType,
			UploadID:         upload.ID,
			QueueTimestamp:   upload.QueuedAt.UnixMilli(),
			Exif:             photo.ExifFields(),
		},
		OnProgress: func(sent, total int64) {
			if total <= 0 {
				return
			}
			m.mu.Lock()
			upload.Progress = float64(sent) / float64(total)
			snapshot := upload.snapshot()
			m.mu.Unlock()
			m.notify(snapshot)
		},
	}

	if _, err := m.client.UploadPhoto(ctx, req); err != nil {
		_ = m.store.Release(upload.PhotoID, claimOwner)
		m.settleFailure(upload, err, started)
		return
	}
	m.settleSuccess(upload, photo, started)
}

// settleSuccess records server acknowledgement and announces the upload.
func (m *Manager) settleSuccess(upload *Upload, photo *photostore.CapturedPhoto, started time.Time) {
	if err := m.store.MarkUploaded(upload.PhotoID); err != nil {
		serviceLogger.Error("Failed to mark photo uploaded",
			"photo_id", upload.PhotoID, "error", err)
	}

	m.mu.Lock()
	delete(m.inFlight, upload.ID)
	upload.Status = StatusCompleted
	upload.Progress = 1
	upload.LastError = ""
	snapshot := upload.snapshot()
	m.updateGauges()
	m.mu.Unlock()

	m.cache.remove(upload.ID)
	m.persistCache()
	if m.metrics != nil {
		m.metrics.UploadsCompleted.Inc()
		m.metrics.UploadDuration.Observe(time.Since(started).Seconds())
		m.metrics.UploadSize.Observe(float64(photo.SizeBytes))
	}
	if m.monitor != nil {
		m.monitor.Report(true)
	}
	m.publishUploaded(upload, photo)
	m.notify(snapshot)
	m.requestDrain()

	serviceLogger.Info("Upload completed",
		"upload_id", upload.ID, "photo_id", upload.PhotoID,
		"duration_ms", time.Since(started).Milliseconds())
}

// settleFailure routes a failed attempt: cancellations and offline aborts do
// not consume retry attempts, genuine failures do. A spent retry budget
// parks the upload as failed until RetryFailed.
func (m *Manager) settleFailure(upload *Upload, err error, started time.Time) {
	cancelled := errors.HasCategory(err, errors.CategoryCancellation) ||
		errors.Is(err, context.Canceled)

	m.mu.Lock()
	delete(m.inFlight, upload.ID)

	if upload.Status == StatusCancelled {
		// Cancel already settled the bookkeeping; just confirm the release.
		m.updateGauges()
		m.mu.Unlock()
		_ = m.store.Release(upload.PhotoID, claimOwner)
		return
	}

	if cancelled {
		// Interrupted, not failed: back to the front of the line with the
		// retry budget untouched.
		upload.Status = StatusPending
		upload.Progress = 0
		m.pending = append([]*Upload{upload}, m.pending...)
		snapshot := upload.snapshot()
		m.updateGauges()
		m.mu.Unlock()

		_ = m.store.Release(upload.PhotoID, claimOwner)
		m.cache.put(&snapshot)
		m.persistCache()
		m.notify(snapshot)
		serviceLogger.Info("Upload interrupted, re-queued",
			"upload_id", upload.ID, "photo_id", upload.PhotoID)
		return
	}

	upload.Progress = 0
	upload.LastError = err.Error()

	maxRetries := m.settings.Queue.RetryAttempts
	if maxRetries <= 0 {
		maxRetries = 3
	}
	// The budget counts resubmissions, so a full budget means the original
	// attempt plus maxRetries retries before the upload parks as failed.
	if upload.RetryCount >= maxRetries {
		upload.Status = StatusFailed
		snapshot := upload.snapshot()
		m.updateGauges()
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.UploadsFailed.Inc()
		}
		m.cache.put(&snapshot)
		m.persistCache()
		m.notify(snapshot)
		serviceLogger.Error("Upload failed permanently",
			"upload_id", upload.ID, "photo_id", upload.PhotoID,
			"attempts", upload.RetryCount+1, "error", err)
		return
	}
	upload.RetryCount++

	// Linear backoff: each retry waits one base delay longer than the last.
	baseDelay := m.settings.Queue.RetryDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	delay := baseDelay * time.Duration(upload.RetryCount)

	upload.Status = StatusRetrying
	m.timers[upload.ID] = time.AfterFunc(delay, func() { m.retryNow(upload.ID) })
	snapshot := upload.snapshot()
	m.updateGauges()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RetryAttempts.Inc()
	}
	m.cache.put(&snapshot)
	m.persistCache()
	m.notify(snapshot)
	serviceLogger.Warn("Upload attempt failed, will retry",
		"upload_id", upload.ID, "photo_id", upload.PhotoID,
		"attempt", upload.RetryCount, "retry_in", delay, "error", err)
}

// settleContention resolves a claim held by the other transfer path, usually
// the sync coordinator draining the same backlog after a reconnect. Contention
// is not a failure: when the other path already finished the photo the upload
// completes, otherwise it goes back to pending with the retry budget untouched.
func (m *Manager) settleContention(upload *Upload) {
	photo, err := m.store.GetByID(upload.PhotoID)
	uploaded := err == nil && photo.Uploaded

	m.mu.Lock()
	delete(m.inFlight, upload.ID)

	if upload.Status == StatusCancelled {
		m.updateGauges()
		m.mu.Unlock()
		return
	}

	if uploaded {
		// The claim holder already pushed and announced this photo.
		upload.Status = StatusCompleted
		upload.Progress = 1
		upload.LastError = ""
		snapshot := upload.snapshot()
		m.updateGauges()
		m.mu.Unlock()

		m.cache.remove(upload.ID)
		m.persistCache()
		if m.metrics != nil {
			m.metrics.UploadsCompleted.Inc()
		}
		m.notify(snapshot)
		m.requestDrain()
		serviceLogger.Info("Photo uploaded by another path",
			"upload_id", upload.ID, "photo_id", upload.PhotoID)
		return
	}

	// The next drain picks it up again once the claim clears. No requestDrain
	// here; the backstop ticker paces the re-check.
	upload.Status = StatusPending
	upload.Progress = 0
	m.insertPending(upload)
	snapshot := upload.snapshot()
	m.updateGauges()
	m.mu.Unlock()

	m.cache.put(&snapshot)
	m.persistCache()
	m.notify(snapshot)
	serviceLogger.Debug("Photo claimed by another path, waiting",
		"upload_id", upload.ID, "photo_id", upload.PhotoID)
}

// retryNow flips a retrying upload back to pending when its backoff elapses.
func (m *Manager) retryNow(uploadID string) {
	m.mu.Lock()
	delete(m.timers, uploadID)
	upload, ok := m.uploads[uploadID]
	if !ok || upload.Status != StatusRetrying {
		m.mu.Unlock()
		return
	}
	upload.Status = StatusPending
	m.insertPending(upload)
	snapshot := upload.snapshot()
	m.updateGauges()
	m.mu.Unlock()

	m.notify(snapshot)
	m.requestDrain()
}

// abortInFlight interrupts active transfers on an offline transition. The
// workers observe the cancellation and re-queue without consuming retries.
func (m *Manager) abortInFlight() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.inFlight))
	for _, cancelTransfer := range m.inFlight {
		cancels = append(cancels, cancelTransfer)
	}
	m.mu.Unlock()

	if len(cancels) > 0 {
		serviceLogger.Info("Connection lost, aborting in-flight uploads", "count", len(cancels))
	}
	for _, cancelTransfer := range cancels {
		cancelTransfer()
	}
}

// restoreFromCache re-queues uploads persisted by a previous run. Records for
// photos that no longer exist, or that finished uploading, are dropped.
func (m *Manager) restoreFromCache() {
	restored := 0
	for _, persisted := range m.cache.restore() {
		photo, err := m.store.GetByID(persisted.PhotoID)
		if err != nil || photo.Uploaded {
			m.cache.remove(persisted.ID)
			continue
		}

		upload := persisted
		upload.Status = StatusPending
		upload.Progress = 0

		m.mu.Lock()
		m.uploads[upload.ID] = &upload
		m.byPhoto[upload.PhotoID] = &upload
		m.insertPending(&upload)
		m.mu.Unlock()
		restored++
	}
	if restored > 0 {
		serviceLogger.Info("Restored persisted uploads", "count", restored)
	}
}

// publishUploaded announces a completed upload on the duplex channel, with
// the item and room updates that follow from it.
func (m *Manager) publishUploaded(upload *Upload, photo *photostore.CapturedPhoto) {
	if m.publisher == nil {
		return
	}
	data := map[string]any{
		"photoId": photo.ID,
		"itemId":  photo.ItemID,
		"angle":   upload.Angle,
	}
	if err := m.publisher.Publish(realtime.NewEnvelope(realtime.EventPhotoUploaded, data, upload.SessionID)); err != nil {
		serviceLogger.Debug("Channel publish skipped", "error", err)
	}
}

func (m *Manager) notify(snapshot Upload) {
	m.subMu.RLock()
	callbacks := make([]ProgressFunc, 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		callbacks = append(callbacks, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					serviceLogger.Error("Progress subscriber panicked", "panic", r)
				}
			}()
			fn(snapshot)
		}()
	}
}
