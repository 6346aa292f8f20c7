// Package imageproc turns raw captured images into upload-ready payloads.
// It is pure: no network or storage side effects, callers own persistence.
package imageproc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/patricksmith/highline-capture/internal/errors"
)

// thumbnailQuality is fixed and independent of the main compression settings.
const thumbnailQuality = 70

// CompressOptions controls the main compression pass.
type CompressOptions struct {
	MaxWidth  int     // neither output dimension exceeds these
	MaxHeight int
	Quality   float64 // 0..1, JPEG encode quality
	Format    string  // "jpeg" or "png"
}

// Metadata describes the compressed output relative to its input.
type Metadata struct {
	Width            int
	Height           int
	SizeBytes        int
	Quality          float64
	CompressionRatio float64        // compressed size / original size
	Exif             map[string]any // capture-time EXIF fields, nil when absent
}

// Result is the outcome of a successful compression pass.
type Result struct {
	Payload  []byte // encoded image ready for upload
	DataURL  string // displayable data-url of the payload
	Metadata Metadata
}

// Compress decodes raw, resizes it proportionally so neither dimension exceeds
// the configured maximum, and re-encodes it at the given quality. The returned
// metadata includes the compression ratio achieved relative to the input.
// A decode failure is fatal to the capture; the caller must not persist a photo
// it cannot process.
func Compress(raw []byte, opts CompressOptions) (*Result, error) {
	src, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode captured image: %w", err)).
			Component("imageproc").
			Category(errors.CategoryDecode).
			Context("input_bytes", len(raw)).
			Build()
	}

	bounds := src.Bounds()
	if bounds.Dx() > opts.MaxWidth || bounds.Dy() > opts.MaxHeight {
		src = imaging.Fit(src, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
	}

	payload, mime, err := encode(src, opts.Format, opts.Quality)
	if err != nil {
		return nil, errors.New(err).
			Component("imageproc").
			Category(errors.CategoryImageProcess).
			Build()
	}

	out := src.Bounds()
	result := &Result{
		Payload: payload,
		DataURL: dataURL(mime, payload),
		Metadata: Metadata{
			Width:            out.Dx(),
			Height:           out.Dy(),
			SizeBytes:        len(payload),
			Quality:          opts.Quality,
			CompressionRatio: ratio(len(payload), len(raw)),
			Exif:             extractExif(raw),
		},
	}
	return result, nil
}

// Thumbnail produces a center-cropped square at the requested pixel size,
// encoded at a fixed quality independent of the main compression settings.
func Thumbnail(img image.Image, size int) (string, error) {
	if size <= 0 {
		return "", errors.Newf("thumbnail size must be positive, got %d", size).
			Component("imageproc").
			Category(errors.CategoryValidation).
			Build()
	}

	thumb := imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	payload, mime, err := encode(thumb, "jpeg", float64(thumbnailQuality)/100)
	if err != nil {
		return "", errors.New(err).
			Component("imageproc").
			Category(errors.CategoryImageProcess).
			Build()
	}
	return dataURL(mime, payload), nil
}

// Decode exposes raw image decoding so callers can feed Thumbnail without a
// second decode pass.
func Decode(raw []byte) (image.Image, error) {
	src, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode captured image: %w", err)).
			Component("imageproc").
			Category(errors.CategoryDecode).
			Build()
	}
	return src, nil
}

func encode(img image.Image, format string, quality float64) (payload []byte, mime string, err error) {
	var buf bytes.Buffer
	switch format {
	case "png":
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("png encode failed: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	case "jpeg", "":
		q := int(quality * 100)
		if q < 1 {
			q = 1
		}
		if q > 100 {
			q = 100
		}
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
			return nil, "", fmt.Errorf("jpeg encode failed: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	default:
		return nil, "", fmt.Errorf("unsupported output format %q", format)
	}
}

func dataURL(mime string, payload []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(payload))
}

func ratio(compressed, original int) float64 {
	if original == 0 {
		return 0
	}
	return float64(compressed) / float64(original)
}
