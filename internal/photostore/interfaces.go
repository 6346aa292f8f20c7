// interfaces.go: interface and shared implementation for the durable photo store.
package photostore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/observability/metrics"
)

// ErrNotFound is returned when a photo or session id has no record.
var ErrNotFound = errors.NewStd("record not found")

// ErrAlreadyClaimed is returned when an upload claim is held by another owner.
var ErrAlreadyClaimed = errors.NewStd("photo already claimed for upload")

// PhotoFilter narrows Get results. Zero values mean "no constraint".
type PhotoFilter struct {
	ItemID    string
	SessionID string
	Uploaded  *bool
}

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Close() error

	Save(photo *CapturedPhoto) error
	Get(filter PhotoFilter) ([]CapturedPhoto, error)
	GetByID(id string) (*CapturedPhoto, error)
	Update(id string, fields map[string]any) error
	MarkUploaded(id string) error
	Delete(id string) error
	Clear() error

	Claim(id, owner string) error
	Release(id, owner string) error

	SaveSession(session *PhotoSession) error
	GetSession(id string) (*PhotoSession, error)
	GetSessions(status string) ([]PhotoSession, error)
	DeleteSession(id string) error

	Sweep(maxAge time.Duration, keep func(photoID string) bool) (int, error)
	CountPending() (int64, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB      *gorm.DB
	Metrics *metrics.PhotoStoreMetrics // optional, nil disables instrumentation
	Opener  func() error               // lazy initialization hook, set by the backend
}

// ensureOpen triggers lazy schema setup on first use. The backend's Open is
// idempotent, so concurrent first calls cannot double-initialize.
func (ds *DataStore) ensureOpen() error {
	if ds.DB != nil {
		return nil
	}
	if ds.Opener == nil {
		return errors.Newf("photo store is not open").
			Component("photostore").
			Category(errors.CategoryStorage).
			Build()
	}
	return ds.Opener()
}

func (ds *DataStore) storageError(op string, err error) error {
	if ds.Metrics != nil {
		ds.Metrics.StorageErrors.Inc()
	}
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("photostore").
		Category(errors.CategoryStorage).
		Build()
}

// Save persists a captured photo, payloads included. A write failure here means
// the photo is not safely captured; callers must surface it, not claim success.
func (ds *DataStore) Save(photo *CapturedPhoto) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	if photo.ID == "" {
		return errors.Newf("photo id is required").
			Component("photostore").
			Category(errors.CategoryValidation).
			Build()
	}
	if photo.CapturedAt.IsZero() {
		photo.CapturedAt = time.Now()
	}
	if err := ds.DB.Save(photo).Error; err != nil {
		return ds.storageError("saving photo", err)
	}
	if ds.Metrics != nil {
		ds.Metrics.PhotosSaved.Inc()
		ds.updatePendingGauge()
	}
	return nil
}

// Get retrieves photos matching the filter. Filtered lookups run against the
// item and uploaded indexes, never a full scan of payload rows.
func (ds *DataStore) Get(filter PhotoFilter) ([]CapturedPhoto, error) {
	if err := ds.ensureOpen(); err != nil {
		return nil, err
	}
	query := ds.DB.Model(&CapturedPhoto{})
	if filter.ItemID != "" {
		query = query.Where("item_id = ?", filter.ItemID)
	}
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}
	if filter.Uploaded != nil {
		query = query.Where("uploaded = ?", *filter.Uploaded)
	}

	var photos []CapturedPhoto
	if err := query.Order("captured_at asc").Find(&photos).Error; err != nil {
		return nil, ds.storageError("querying photos", err)
	}
	return photos, nil
}

// GetByID retrieves a single photo.
func (ds *DataStore) GetByID(id string) (*CapturedPhoto, error) {
	if err := ds.ensureOpen(); err != nil {
		return nil, err
	}
	var photo CapturedPhoto
	err := ds.DB.First(&photo, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ds.storageError("querying photo", err)
	}
	return &photo, nil
}

// Update applies a partial update to a photo record.
func (ds *DataStore) Update(id string, fields map[string]any) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	result := ds.DB.Model(&CapturedPhoto{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return ds.storageError("updating photo", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUploaded records server acknowledgement for a photo. Idempotent: marking
// an already-uploaded photo leaves the record unchanged. It also releases any
// upload claim.
func (ds *DataStore) MarkUploaded(id string) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	now := time.Now()
	result := ds.DB.Model(&CapturedPhoto{}).
		Where("id = ? AND uploaded = ?", id, false).
		Updates(map[string]any{"uploaded": true, "uploaded_at": &now, "claimed_by": ""})
	if result.Error != nil {
		return ds.storageError("marking photo uploaded", result.Error)
	}
	if result.RowsAffected == 0 {
		// Either missing or already uploaded; only the former is an error.
		var count int64
		if err := ds.DB.Model(&CapturedPhoto{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return ds.storageError("checking photo", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	if ds.Metrics != nil {
		ds.updatePendingGauge()
	}
	return nil
}

// Delete removes a photo record.
func (ds *DataStore) Delete(id string) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	if err := ds.DB.Delete(&CapturedPhoto{}, "id = ?", id).Error; err != nil {
		return ds.storageError("deleting photo", err)
	}
	return nil
}

// Clear drops all photos and sessions.
func (ds *DataStore) Clear() error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	if err := ds.DB.Where("1 = 1").Delete(&CapturedPhoto{}).Error; err != nil {
		return ds.storageError("clearing photos", err)
	}
	if err := ds.DB.Where("1 = 1").Delete(&PhotoSession{}).Error; err != nil {
		return ds.storageError("clearing sessions", err)
	}
	return nil
}

// Claim takes the per-photo upload lock for owner. The guarded update makes the
// claim atomic: only one of the queue manager and the sync coordinator can hold
// it, so at most one transfer is in flight per photo across both paths.
func (ds *DataStore) Claim(id, owner string) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	result := ds.DB.Model(&CapturedPhoto{}).
		Where("id = ? AND uploaded = ? AND (claimed_by = ? OR claimed_by = ?)", id, false, "", owner).
		Update("claimed_by", owner)
	if result.Error != nil {
		return ds.storageError("claiming photo", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := ds.DB.Model(&CapturedPhoto{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return ds.storageError("checking photo", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrAlreadyClaimed
	}
	return nil
}

// Release gives up an upload claim if owner still holds it.
func (ds *DataStore) Release(id, owner string) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	result := ds.DB.Model(&CapturedPhoto{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		Update("claimed_by", "")
	if result.Error != nil {
		return ds.storageError("releasing photo claim", result.Error)
	}
	return nil
}

// SaveSession persists a capture session.
func (ds *DataStore) SaveSession(session *PhotoSession) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	if session.ID == "" {
		return errors.Newf("session id is required").
			Component("photostore").
			Category(errors.CategoryValidation).
			Build()
	}
	session.LastSaveTime = time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = session.LastSaveTime
	}
	if err := ds.DB.Save(session).Error; err != nil {
		return ds.storageError("saving session", err)
	}
	return nil
}

// GetSession retrieves a single session.
func (ds *DataStore) GetSession(id string) (*PhotoSession, error) {
	if err := ds.ensureOpen(); err != nil {
		return nil, err
	}
	var session PhotoSession
	err := ds.DB.First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ds.storageError("querying session", err)
	}
	return &session, nil
}

// GetSessions retrieves sessions, optionally filtered by status.
func (ds *DataStore) GetSessions(status string) ([]PhotoSession, error) {
	if err := ds.ensureOpen(); err != nil {
		return nil, err
	}
	query := ds.DB.Model(&PhotoSession{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var sessions []PhotoSession
	if err := query.Order("created_at asc").Find(&sessions).Error; err != nil {
		return nil, ds.storageError("querying sessions", err)
	}
	return sessions, nil
}

// DeleteSession removes a session record.
func (ds *DataStore) DeleteSession(id string) error {
	if err := ds.ensureOpen(); err != nil {
		return err
	}
	if err := ds.DB.Delete(&PhotoSession{}, "id = ?", id).Error; err != nil {
		return ds.storageError("deleting session", err)
	}
	return nil
}

// Sweep removes uploaded photos older than maxAge. Photos for which keep
// returns true (typically: still referenced by an in-memory queue entry) are
// retained regardless of age. Returns the number of photos removed.
func (ds *DataStore) Sweep(maxAge time.Duration, keep func(photoID string) bool) (int, error) {
	if err := ds.ensureOpen(); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)

	var candidates []CapturedPhoto
	err := ds.DB.Select("id").
		Where("uploaded = ? AND captured_at < ?", true, cutoff).
		Find(&candidates).Error
	if err != nil {
		return 0, ds.storageError("querying sweep candidates", err)
	}

	swept := 0
	for i := range candidates {
		if keep != nil && keep(candidates[i].ID) {
			continue
		}
		if err := ds.DB.Delete(&CapturedPhoto{}, "id = ?", candidates[i].ID).Error; err != nil {
			return swept, ds.storageError("sweeping photo", err)
		}
		swept++
	}
	if ds.Metrics != nil && swept > 0 {
		ds.Metrics.PhotosSwept.Add(float64(swept))
	}
	return swept, nil
}

// CountPending returns the number of stored photos not yet uploaded.
func (ds *DataStore) CountPending() (int64, error) {
	if err := ds.ensureOpen(); err != nil {
		return 0, err
	}
	var count int64
	err := ds.DB.Model(&CapturedPhoto{}).Where("uploaded = ?", false).Count(&count).Error
	if err != nil {
		return 0, ds.storageError("counting pending photos", err)
	}
	return count, nil
}

func (ds *DataStore) updatePendingGauge() {
	var count int64
	if err := ds.DB.Model(&CapturedPhoto{}).Where("uploaded = ?", false).Count(&count).Error; err == nil {
		ds.Metrics.PendingPhotos.Set(float64(count))
	}
}
