// model.go: data model for the durable photo store.
package photostore

import (
	"encoding/json"
	"time"
)

// Photo angles match the shot types the inventory backend accepts.
const (
	AngleFront  = "front"
	AngleBack   = "back"
	AngleLeft   = "left"
	AngleRight  = "right"
	AngleTop    = "top"
	AngleDetail = "detail"
)

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// CapturedPhoto is one captured image with its payloads and upload state.
// Binary payloads are stored alongside metadata so a reload can recover
// everything from this one store.
type CapturedPhoto struct {
	ID        string `gorm:"primaryKey"`
	ItemID    string `gorm:"index:idx_photos_item"`
	SessionID string `gorm:"index:idx_photos_session"`
	Angle     string

	OriginalData   []byte `gorm:"type:blob"`
	CompressedData []byte `gorm:"type:blob"`
	DataURL        string `gorm:"type:text"`
	ThumbnailURL   string `gorm:"type:text"`

	Width            int
	Height           int
	SizeBytes        int
	Quality          float64
	CompressionRatio float64
	DeviceType       string

	Compressed bool
	Uploaded   bool   `gorm:"index:idx_photos_uploaded"`
	ClaimedBy  string // upload lock owner, empty when unclaimed
	ExifJSON   string `gorm:"column:exif;type:text"` // capture-time EXIF, JSON-encoded

	CapturedAt time.Time `gorm:"index:idx_photos_captured_at"`
	UploadedAt *time.Time
}

// ExifFields decodes the stored EXIF JSON. Returns nil when absent or invalid.
func (p *CapturedPhoto) ExifFields() map[string]any {
	if p.ExifJSON == "" {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(p.ExifJSON), &fields); err != nil {
		return nil
	}
	return fields
}

// PhotoSession groups photos captured together, typically one room.
type PhotoSession struct {
	ID           string `gorm:"primaryKey"`
	RoomID       string `gorm:"index:idx_sessions_room"`
	Name         string
	Status       string `gorm:"index:idx_sessions_status"`
	PhotoCount   int
	LastSaveTime time.Time
	CreatedAt    time.Time
}
