// Package capture orchestrates photo intake: compress, persist, thumbnail,
// queue for upload, and keep the session bookkeeping current.
package capture

import (
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/imageproc"
	"github.com/patricksmith/highline-capture/internal/logging"
	"github.com/patricksmith/highline-capture/internal/photostore"
	"github.com/patricksmith/highline-capture/internal/realtime"
	"github.com/patricksmith/highline-capture/internal/uploadqueue"
)

var serviceLogger *slog.Logger

func init() {
	var err error
	logFilePath := filepath.Join("logs", "capture.log")
	serviceLogger, _, err = logging.NewFileLogger(logFilePath, "capture", slog.LevelInfo)
	if err != nil {
		log.Printf("Failed to initialize capture file logger at %s: %v", logFilePath, err)
		serviceLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

var validAngles = map[string]bool{
	photostore.AngleFront:  true,
	photostore.AngleBack:   true,
	photostore.AngleLeft:   true,
	photostore.AngleRight:  true,
	photostore.AngleTop:    true,
	photostore.AngleDetail: true,
}

// Enqueuer is the upload queue surface the capture path needs.
type Enqueuer interface {
	Enqueue(photoID string, priority uploadqueue.Priority) (uploadqueue.Upload, error)
}

// EventPublisher announces session lifecycle events on the duplex channel.
type EventPublisher interface {
	Publish(env realtime.Envelope) error
}

// Service is the capture pipeline entry point.
type Service struct {
	settings  *conf.Settings
	store     photostore.Interface
	queue     Enqueuer
	publisher EventPublisher
}

// New wires the capture service. queue and publisher may be nil; capture then
// only persists.
func New(settings *conf.Settings, store photostore.Interface, queue Enqueuer, publisher EventPublisher) *Service {
	return &Service{
		settings:  settings,
		store:     store,
		queue:     queue,
		publisher: publisher,
	}
}

// CapturePhoto processes one raw image and persists it as a captured photo.
// The photo is durably stored before any upload is attempted; an undecodable
// image is rejected without persisting anything. When a queue is wired the
// photo is enqueued for upload immediately.
func (s *Service) CapturePhoto(raw []byte, itemID, angle, sessionID string) (*photostore.CapturedPhoto, error) {
	if itemID == "" {
		return nil, errors.Newf("item id is required").
			Component("capture").
			Category(errors.CategoryValidation).
			Build()
	}
	if angle == "" {
		angle = photostore.AngleFront
	}
	if !validAngles[angle] {
		return nil, errors.Newf("invalid photo angle %q", angle).
			Component("capture").
			Category(errors.CategoryValidation).
			Build()
	}

	result, err := imageproc.Compress(raw, imageproc.CompressOptions{
		MaxWidth:  s.settings.Capture.MaxWidth,
		MaxHeight: s.settings.Capture.MaxHeight,
		Quality:   s.settings.Capture.Quality,
		Format:    s.settings.Capture.Format,
	})
	if err != nil {
		return nil, err
	}

	thumbnailURL := ""
	if img, err := imageproc.Decode(result.Payload); err == nil {
		if thumb, err := imageproc.Thumbnail(img, s.settings.Capture.ThumbnailSize); err == nil {
			thumbnailURL = thumb
		}
	}

	exifJSON := ""
	if result.Metadata.Exif != nil {
		if encoded, err := json.Marshal(result.Metadata.Exif); err == nil {
			exifJSON = string(encoded)
		}
	}

	photo := &photostore.CapturedPhoto{
		ID:               uuid.NewString(),
		ItemID:           itemID,
		SessionID:        sessionID,
		Angle:            angle,
		OriginalData:     raw,
		CompressedData:   result.Payload,
		DataURL:          result.DataURL,
		ThumbnailURL:     thumbnailURL,
		Width:            result.Metadata.Width,
		Height:           result.Metadata.Height,
		SizeBytes:        result.Metadata.SizeBytes,
		Quality:          result.Metadata.Quality,
		CompressionRatio: result.Metadata.CompressionRatio,
		DeviceType:       s.settings.Capture.DeviceType,
		Compressed:       true,
		ExifJSON:         exifJSON,
		CapturedAt:       time.Now(),
	}
	if err := s.store.Save(photo); err != nil {
		return nil, err
	}

	if sessionID != "" {
		s.bumpSession(sessionID)
	}

	if s.queue != nil {
		if _, err := s.queue.Enqueue(photo.ID, uploadqueue.PriorityNormal); err != nil {
			// The photo is safe in the store; the syncer picks it up later.
			serviceLogger.Warn("Captured photo not queued",
				"photo_id", photo.ID, "error", err)
		}
	}

	serviceLogger.Info("Photo captured",
		"photo_id", photo.ID, "item_id", itemID, "angle", angle,
		"size_bytes", photo.SizeBytes)
	return photo, nil
}

// StartSession opens a capture session for a room and announces it.
func (s *Service) StartSession(roomID, name string) (*photostore.PhotoSession, error) {
	session := &photostore.PhotoSession{
		ID:     uuid.NewString(),
		RoomID: roomID,
		Name:   name,
		Status: photostore.SessionActive,
	}
	if err := s.store.SaveSession(session); err != nil {
		return nil, err
	}

	s.publish(realtime.EventSessionStarted, map[string]any{
		"sessionId": session.ID,
		"roomId":    roomID,
		"name":      name,
	}, session.ID)

	serviceLogger.Info("Session started", "session_id", session.ID, "room_id", roomID)
	return session, nil
}

// EndSession closes a capture session and announces the final photo count.
func (s *Service) EndSession(sessionID string) (*photostore.PhotoSession, error) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == photostore.SessionEnded {
		return session, nil
	}

	session.Status = photostore.SessionEnded
	if err := s.store.SaveSession(session); err != nil {
		return nil, err
	}

	s.publish(realtime.EventSessionEnded, map[string]any{
		"sessionId":  session.ID,
		"roomId":     session.RoomID,
		"photoCount": session.PhotoCount,
	}, session.ID)

	serviceLogger.Info("Session ended",
		"session_id", session.ID, "photo_count", session.PhotoCount)
	return session, nil
}

func (s *Service) bumpSession(sessionID string) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		serviceLogger.Warn("Capture references unknown session", "session_id", sessionID)
		return
	}
	session.PhotoCount++
	if err := s.store.SaveSession(session); err != nil {
		serviceLogger.Error("Failed to update session count",
			"session_id", sessionID, "error", err)
	}
}

func (s *Service) publish(eventType string, data map[string]any, sessionID string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(realtime.NewEnvelope(eventType, data, sessionID)); err != nil {
		serviceLogger.Debug("Channel publish skipped", "event", eventType, "error", err)
	}
}
