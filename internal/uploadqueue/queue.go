package uploadqueue

import (
	"context"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patricksmith/highline-capture/internal/api"
	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/logging"
	"github.com/patricksmith/highline-capture/internal/observability/metrics"
	"github.com/patricksmith/highline-capture/internal/photostore"
	"github.com/patricksmith/highline-capture/internal/realtime"
)

var serviceLogger *slog.Logger

func init() {
	var err error
	logFilePath := filepath.Join("logs", "uploadqueue.log")
	serviceLogger, _, err = logging.NewFileLogger(logFilePath, "uploadqueue", slog.LevelDebug)
	if err != nil {
		log.Printf("Failed to initialize uploadqueue file logger at %s: %v", logFilePath, err)
		serviceLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// claimOwner identifies this queue when taking per-photo upload claims.
const claimOwner = "uploadqueue"

// OnlineMonitor is the reachability signal the queue drains against. Report
// feeds transfer outcomes back so the monitor learns faster than its probes.
type OnlineMonitor interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
	Report(online bool)
}

// EventPublisher pushes events onto the duplex channel. Publishing is
// best-effort: a down channel never blocks or fails an upload.
type EventPublisher interface {
	Publish(env realtime.Envelope) error
}

// Manager is the upload queue. One instance serves the whole process.
type Manager struct {
	settings  *conf.Settings
	store     photostore.Interface
	client    api.Interface
	monitor   OnlineMonitor
	publisher EventPublisher
	metrics   *metrics.UploadQueueMetrics
	cache     *metadataCache

	mu       sync.Mutex
	pending  []*Upload                     // ordered, high priority first
	uploads  map[string]*Upload            // all known uploads by upload ID
	byPhoto  map[string]*Upload            // active upload per photo
	inFlight map[string]context.CancelFunc // per-upload cancellation
	timers   map[string]*time.Timer        // armed retry timers
	running  bool

	subMu       sync.RWMutex
	subscribers map[int]ProgressFunc
	nextSubID   int

	unsubscribeOnline func()
	kick              chan struct{}
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

// NewManager wires the queue to its collaborators. Call Start before Enqueue.
func NewManager(settings *conf.Settings, store photostore.Interface, client api.Interface,
	monitor OnlineMonitor, publisher EventPublisher, queueMetrics *metrics.UploadQueueMetrics) *Manager {
	return &Manager{
		settings:    settings,
		store:       store,
		client:      client,
		monitor:     monitor,
		publisher:   publisher,
		metrics:     queueMetrics,
		cache:       newMetadataCache(settings.Queue.CachePath, settings.Queue.CacheRetention),
		uploads:     make(map[string]*Upload),
		byPhoto:     make(map[string]*Upload),
		inFlight:    make(map[string]context.CancelFunc),
		timers:      make(map[string]*time.Timer),
		subscribers: make(map[int]ProgressFunc),
		kick:        make(chan struct{}, 1),
	}
}

// Start restores persisted queue state and begins draining.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.restoreFromCache()

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	if m.monitor != nil {
		m.unsubscribeOnline = m.monitor.Subscribe(func(online bool) {
			if online {
				m.requestDrain()
			} else {
				m.abortInFlight()
			}
		})
	}

	m.wg.Add(1)
	go m.drainLoop()
	m.requestDrain()
}

// Stop shuts the queue down and persists its metadata. In-flight uploads are
// aborted; they resume as pending on the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	for _, timer := range m.timers {
		timer.Stop()
	}
	m.mu.Unlock()

	if m.unsubscribeOnline != nil {
		m.unsubscribeOnline()
	}
	m.cancel()
	m.wg.Wait()

	if err := m.cache.flush(); err != nil {
		serviceLogger.Error("Failed to persist queue cache", "error", err)
	}
	serviceLogger.Info("Upload queue stopped")
}

// Enqueue queues the stored photo for upload. High priority goes to the front
// of the line. A photo with an active upload cannot be queued twice.
func (m *Manager) Enqueue(photoID string, priority Priority) (Upload, error) {
	photo, err := m.store.GetByID(photoID)
	if err != nil {
		return Upload{}, err
	}
	if photo.Uploaded {
		return Upload{}, errors.Newf("photo %s is already uploaded", photoID).
			Component("uploadqueue").
			Category(errors.CategoryQueue).
			Build()
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return Upload{}, ErrQueueStopped
	}
	if existing, ok := m.byPhoto[photoID]; ok && isActive(existing.Status) {
		m.mu.Unlock()
		return Upload{}, ErrAlreadyQueued
	}

	upload := &Upload{
		ID:        uuid.NewString(),
		PhotoID:   photo.ID,
		ItemID:    photo.ItemID,
		SessionID: photo.SessionID,
		Angle:     photo.Angle,
		Priority:  priority,
		Status:    StatusPending,
		QueuedAt:  time.Now(),
	}
	m.uploads[upload.ID] = upload
	m.byPhoto[photoID] = upload
	m.insertPending(upload)
	m.updateGauges()
	snapshot := upload.snapshot()
	m.mu.Unlock()

	m.cache.put(&snapshot)
	m.persistCache()
	m.notify(snapshot)
	m.requestDrain()

	serviceLogger.Info("Upload queued",
		"upload_id", upload.ID, "photo_id", photoID, "priority", priority)
	return snapshot, nil
}

// Cancel aborts one upload. A pending upload leaves the queue; an in-flight
// one has its transfer interrupted. Cancellation never consumes a retry
// attempt, and a later re-enqueue starts with a fresh budget.
func (m *Manager) Cancel(uploadID string) error {
	m.mu.Lock()
	upload, ok := m.uploads[uploadID]
	if !ok {
		m.mu.Unlock()
		return ErrUploadNotFound
	}
	if !isActive(upload.Status) {
		m.mu.Unlock()
		return nil
	}

	upload.Status = StatusCancelled
	m.removePending(upload)
	if timer, ok := m.timers[uploadID]; ok {
		timer.Stop()
		delete(m.timers, uploadID)
	}
	cancelTransfer := m.inFlight[uploadID]
	m.updateGauges()
	snapshot := upload.snapshot()
	m.mu.Unlock()

	if cancelTransfer != nil {
		cancelTransfer()
	} else {
		// Not in flight, so no worker will run the cleanup path.
		_ = m.store.Release(upload.PhotoID, claimOwner)
	}
	m.cache.remove(uploadID)
	m.persistCache()
	if m.metrics != nil {
		m.metrics.UploadsCancelled.Inc()
	}
	m.notify(snapshot)

	serviceLogger.Info("Upload cancelled", "upload_id", uploadID)
	return nil
}

// RetryFailed re-queues every failed upload with a fresh retry budget.
func (m *Manager) RetryFailed() int {
	m.mu.Lock()
	retried := 0
	snapshots := make([]Upload, 0)
	for _, upload := range m.uploads {
		if upload.Status != StatusFailed {
			continue
		}
		upload.Status = StatusPending
		upload.RetryCount = 0
		upload.Progress = 0
		upload.LastError = ""
		m.insertPending(upload)
		snapshots = append(snapshots, upload.snapshot())
		retried++
	}
	m.updateGauges()
	m.mu.Unlock()

	for i := range snapshots {
		m.cache.put(&snapshots[i])
		m.notify(snapshots[i])
	}
	if retried > 0 {
		m.persistCache()
		m.requestDrain()
		serviceLogger.Info("Re-queued failed uploads", "count", retried)
	}
	return retried
}

// Clear cancels everything and forgets all queue state. Stored photos are
// untouched.
func (m *Manager) Clear() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.inFlight))
	for _, cancelTransfer := range m.inFlight {
		cancels = append(cancels, cancelTransfer)
	}
	released := make([]*Upload, 0)
	for _, upload := range m.uploads {
		if isActive(upload.Status) {
			wasInFlight := upload.Status == StatusUploading
			upload.Status = StatusCancelled
			if !wasInFlight {
				released = append(released, upload)
			}
		}
	}
	m.pending = nil
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.updateGauges()
	m.mu.Unlock()

	for _, cancelTransfer := range cancels {
		cancelTransfer()
	}
	for _, upload := range released {
		_ = m.store.Release(upload.PhotoID, claimOwner)
	}
	m.cache.clear()
	serviceLogger.Info("Upload queue cleared")
}

// Status returns a copy of one upload's state.
func (m *Manager) Status(uploadID string) (Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[uploadID]
	if !ok {
		return Upload{}, ErrUploadNotFound
	}
	return upload.snapshot(), nil
}

// List returns copies of every known upload.
func (m *Manager) List() []Upload {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploads := make([]Upload, 0, len(m.uploads))
	for _, upload := range m.uploads {
		uploads = append(uploads, upload.snapshot())
	}
	return uploads
}

// Stats summarizes the queue.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats Stats
	for _, upload := range m.uploads {
		switch upload.Status {
		case StatusPending:
			stats.Pending++
		case StatusUploading:
			stats.InFlight++
		case StatusRetrying:
			stats.Retrying++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// OnProgress subscribes to upload state changes. The returned function
// removes the subscription.
func (m *Manager) OnProgress(fn ProgressFunc) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subscribers, id)
	}
}

func isActive(s Status) bool {
	return s == StatusPending || s == StatusUploading || s == StatusRetrying
}

// insertPending places an upload according to its priority: high ahead of
// normal ahead of low, behind uploads of the same tier. Callers hold m.mu.
func (m *Manager) insertPending(upload *Upload) {
	idx := len(m.pending)
	switch upload.Priority {
	case PriorityHigh:
		idx = 0
		for idx < len(m.pending) && m.pending[idx].Priority == PriorityHigh {
			idx++
		}
	case PriorityLow:
		// Low appends; everything already waits ahead of it.
	default:
		for idx > 0 && m.pending[idx-1].Priority == PriorityLow {
			idx--
		}
	}
	m.pending = append(m.pending, nil)
	copy(m.pending[idx+1:], m.pending[idx:])
	m.pending[idx] = upload
}

// removePending drops an upload from the pending slice. Callers hold m.mu.
func (m *Manager) removePending(upload *Upload) {
	for i, queued := range m.pending {
		if queued.ID == upload.ID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.PendingItems.Set(float64(len(m.pending)))
	m.metrics.InFlightItems.Set(float64(len(m.inFlight)))
}

// persistCache writes queue metadata through to disk so a crash cannot
// resurrect stale upload statuses.
func (m *Manager) persistCache() {
	if err := m.cache.flush(); err != nil {
		serviceLogger.Warn("Failed to persist queue cache", "error", err)
	}
}

func (m *Manager) requestDrain() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// drainLoop dispatches pending uploads whenever there is a reason to: an
// enqueue, a finished transfer, a retry timer or a connectivity change. The
// ticker is a backstop against missed signals.
func (m *Manager) drainLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			m.drain()
		case <-ticker.C:
			m.drain()
		}
	}
}

// drain moves pending uploads into flight while worker slots remain. The
// whole check-and-dispatch runs under one lock hold, so two drains cannot
// double-dispatch the same upload or overshoot the concurrency bound.
func (m *Manager) drain() {
	if m.monitor != nil && !m.monitor.IsOnline() {
		return
	}

	maxConcurrent := m.settings.Queue.MaxConcurrentUploads
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	for len(m.inFlight) < maxConcurrent && len(m.pending) > 0 {
		upload := m.pending[0]
		m.pending = m.pending[1:]

		upload.Status = StatusUploading
		upload.LastAttemptAt = time.Now()
		transferCtx, cancelTransfer := context.WithCancel(m.ctx)
		m.inFlight[upload.ID] = cancelTransfer

		m.wg.Add(1)
		go m.transfer(transferCtx, upload)
	}
	m.updateGauges()
}
