// Package api implements the inventory backend REST client used for photo uploads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/logging"
)

var serviceLogger *slog.Logger

func init() {
	var err error
	logFilePath := filepath.Join("logs", "api.log")
	serviceLogger, _, err = logging.NewFileLogger(logFilePath, "api", slog.LevelDebug)
	if err != nil {
		log.Printf("Failed to initialize api file logger at %s: %v", logFilePath, err)
		serviceLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// ProgressFunc reports upload progress as bytes are written to the wire.
type ProgressFunc func(sent, total int64)

// UploadMetadata is the JSON payload carried in the multipart "metadata" field.
// Field names match what the backend persists per photo.
type UploadMetadata struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	SizeBytes        int     `json:"size"`
	Quality          float64 `json:"quality"`
	CompressionRatio float64 `json:"compression"`
	DeviceType       string  `json:"deviceType"`
	UploadID         string  `json:"uploadId"`
	QueueTimestamp   int64   `json:"queueTimestamp"`

	// Exif carries capture-time fields (taken_at, camera make/model,
	// orientation, GPS) when the source image had them.
	Exif map[string]any `json:"exif,omitempty"`
}

// UploadRequest describes one photo upload.
type UploadRequest struct {
	PhotoID   string
	ItemID    string
	SessionID string
	Angle     string
	Filename  string
	Payload   []byte
	Metadata  UploadMetadata

	// OnProgress, when set, is called as request bytes reach the transport.
	OnProgress ProgressFunc
}

// UploadResult is one uploaded photo as acknowledged by the backend.
type UploadResult struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// UploadResponse is the backend's acknowledgement for an upload request.
type UploadResponse struct {
	Success    bool           `json:"success"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Results    []UploadResult `json:"results"`
}

// Interface defines what the upload transport must provide. Both the upload
// queue and the sync coordinator drive transfers through it.
type Interface interface {
	UploadPhoto(ctx context.Context, req *UploadRequest) (*UploadResponse, error)
}

// Client talks to the inventory backend over HTTP.
type Client struct {
	Settings   *conf.Settings
	HTTPClient *http.Client
}

// New creates a backend API client. The HTTP client carries a 45-second
// timeout so a stalled transfer cannot hang an upload worker forever.
func New(settings *conf.Settings) *Client {
	return &Client{
		Settings:   settings,
		HTTPClient: &http.Client{Timeout: 45 * time.Second},
	}
}

// progressReader counts bytes as the HTTP transport consumes the request body.
type progressReader struct {
	r        io.Reader
	total    int64
	sent     int64
	callback ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.sent += int64(n)
		if pr.callback != nil {
			pr.callback(pr.sent, pr.total)
		}
	}
	return n, err
}

// UploadPhoto sends one photo as a multipart POST. Cancellation through ctx is
// reported as a cancellation error so callers can tell it apart from transfer
// failures that should consume a retry attempt.
func (c *Client) UploadPhoto(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	body, contentType, err := buildMultipartBody(req)
	if err != nil {
		return nil, err
	}

	uploadURL := c.Settings.Server.UploadURL()
	reader := &progressReader{r: bytes.NewReader(body), total: int64(len(body)), callback: req.OnProgress}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, reader)
	if err != nil {
		return nil, errors.New(err).
			Component("api").
			Category(errors.CategoryTransfer).
			Context("photo_id", req.PhotoID).
			Build()
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.ContentLength = int64(len(body))

	serviceLogger.Debug("Uploading photo",
		"photo_id", req.PhotoID, "item_id", req.ItemID,
		"angle", req.Angle, "size_bytes", len(body))

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(req, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little of the body for diagnostics, then discard the rest.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serviceLogger.Warn("Upload rejected by server",
			"photo_id", req.PhotoID, "status", resp.StatusCode, "body", string(detail))
		return nil, errors.Newf("upload failed with status %d: %s", resp.StatusCode, string(detail)).
			Component("api").
			Category(errors.CategoryTransfer).
			Context("photo_id", req.PhotoID).
			Context("status_code", resp.StatusCode).
			Build()
	}

	var uploadResp UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return nil, errors.New(fmt.Errorf("decoding upload response: %w", err)).
			Component("api").
			Category(errors.CategoryTransfer).
			Context("photo_id", req.PhotoID).
			Build()
	}

	serviceLogger.Info("Photo uploaded",
		"photo_id", req.PhotoID, "item_id", req.ItemID, "successful", uploadResp.Successful)
	return &uploadResp, nil
}

func (c *Client) transportError(req *UploadRequest, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		serviceLogger.Debug("Upload cancelled", "photo_id", req.PhotoID)
		return errors.New(err).
			Component("api").
			Category(errors.CategoryCancellation).
			Context("photo_id", req.PhotoID).
			Build()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		serviceLogger.Warn("Upload timed out", "photo_id", req.PhotoID)
	}
	return errors.New(err).
		Component("api").
		Category(errors.CategoryTransfer).
		Context("photo_id", req.PhotoID).
		Build()
}

func validateRequest(req *UploadRequest) error {
	switch {
	case req == nil:
		return errors.Newf("upload request is nil").
			Component("api").Category(errors.CategoryValidation).Build()
	case req.ItemID == "":
		return errors.Newf("item id is required").
			Component("api").Category(errors.CategoryValidation).Build()
	case len(req.Payload) == 0:
		return errors.Newf("photo payload is empty").
			Component("api").Category(errors.CategoryValidation).
			Context("photo_id", req.PhotoID).Build()
	}
	return nil
}

// buildMultipartBody assembles the form the backend's upload handler expects:
// a "photo" file part plus itemId, angle and metadata fields.
func buildMultipartBody(req *UploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = req.PhotoID + ".jpg"
	}
	part, err := writer.CreateFormFile("photo", filename)
	if err != nil {
		return nil, "", errors.New(err).Component("api").Category(errors.CategoryTransfer).Build()
	}
	if _, err := part.Write(req.Payload); err != nil {
		return nil, "", errors.New(err).Component("api").Category(errors.CategoryTransfer).Build()
	}

	fields := map[string]string{
		"itemId": req.ItemID,
		"angle":  req.Angle,
	}
	if req.SessionID != "" {
		fields["session_id"] = req.SessionID
	}

	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, "", errors.New(err).Component("api").Category(errors.CategoryTransfer).Build()
	}
	fields["metadata"] = string(metadataJSON)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", errors.New(err).Component("api").Category(errors.CategoryTransfer).Build()
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", errors.New(err).Component("api").Category(errors.CategoryTransfer).Build()
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
