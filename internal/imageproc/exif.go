package imageproc

import (
	"bytes"

	"github.com/rwcarlsen/goexif/exif"
)

// extractExif pulls the capture-time EXIF fields the backend stores per photo.
// EXIF is best-effort: most synthetic or re-encoded images carry none, so any
// decode failure yields nil rather than an error.
func extractExif(raw []byte) map[string]any {
	data, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil
	}

	meta := make(map[string]any)
	if tag, err := data.Get(exif.DateTime); err == nil {
		if takenAt, err := tag.StringVal(); err == nil {
			meta["taken_at"] = takenAt
		}
	}
	if tag, err := data.Get(exif.Make); err == nil {
		if cameraMake, err := tag.StringVal(); err == nil {
			meta["camera_make"] = cameraMake
		}
	}
	if tag, err := data.Get(exif.Model); err == nil {
		if model, err := tag.StringVal(); err == nil {
			meta["camera_model"] = model
		}
	}
	if tag, err := data.Get(exif.Orientation); err == nil {
		if orientation, err := tag.Int(0); err == nil {
			meta["orientation"] = orientation
		}
	}
	if lat, lon, err := data.LatLong(); err == nil {
		meta["latitude"] = lat
		meta["longitude"] = lon
	}

	if len(meta) == 0 {
		return nil
	}
	return meta
}
