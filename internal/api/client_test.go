package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
)

func testSettings(origin string) *conf.Settings {
	settings := &conf.Settings{}
	settings.Server.Origin = origin
	settings.Server.UploadPath = "/api/items/photos"
	return settings
}

func testRequest() *UploadRequest {
	return &UploadRequest{
		PhotoID:  "photo-1",
		ItemID:   "item-1",
		Angle:    "front",
		Filename: "photo-1.jpg",
		Payload:  []byte("jpeg-bytes"),
		Metadata: UploadMetadata{
			Width: 1920, Height: 1080, SizeBytes: 10,
			Quality: 0.8, DeviceType: "desktop",
			UploadID: "upload-1", QueueTimestamp: 1700000000000,
		},
	}
}

func TestUploadPhotoSendsMultipartForm(t *testing.T) {
	client := New(testSettings("http://backend.test"))
	httpmock.ActivateNonDefault(client.HTTPClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://backend.test/api/items/photos",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseMultipartForm(1<<20))

			assert.Equal(t, "item-1", req.FormValue("itemId"))
			assert.Equal(t, "front", req.FormValue("angle"))
			assert.JSONEq(t, `{
				"width": 1920, "height": 1080, "size": 10,
				"quality": 0.8, "compression": 0,
				"deviceType": "desktop", "uploadId": "upload-1",
				"queueTimestamp": 1700000000000
			}`, req.FormValue("metadata"))

			file, header, err := req.FormFile("photo")
			require.NoError(t, err)
			defer file.Close()
			assert.Equal(t, "photo-1.jpg", header.Filename)

			return httpmock.NewJsonResponse(200, map[string]any{
				"success":    true,
				"successful": 1,
				"failed":     0,
				"results":    []map[string]string{{"id": "photo-1", "url": "/uploads/photo-1.jpg"}},
			})
		})

	resp, err := client.UploadPhoto(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Successful)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "/uploads/photo-1.jpg", resp.Results[0].URL)
}

func TestUploadPhotoServerErrorIsTransferFailure(t *testing.T) {
	client := New(testSettings("http://backend.test"))
	httpmock.ActivateNonDefault(client.HTTPClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://backend.test/api/items/photos",
		httpmock.NewStringResponder(500, `{"error":"boom"}`))

	_, err := client.UploadPhoto(context.Background(), testRequest())
	require.Error(t, err)

	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, errors.CategoryTransfer, enhanced.ErrorCategory())
	assert.Equal(t, 500, enhanced.Context["status_code"])
}

func TestUploadPhotoCancellationIsNotTransferFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New(testSettings(server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.UploadPhoto(ctx, testRequest())
		done <- err
	}()
	cancel()

	err := <-done
	require.Error(t, err)
	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, errors.CategoryCancellation, enhanced.ErrorCategory())
}

func TestUploadPhotoReportsProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"successful":1,"failed":0}`))
	}))
	defer server.Close()

	client := New(testSettings(server.URL))

	var lastSent, total atomic.Int64
	req := testRequest()
	req.OnProgress = func(sent, totalBytes int64) {
		lastSent.Store(sent)
		total.Store(totalBytes)
	}

	_, err := client.UploadPhoto(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, total.Load(), int64(0))
	assert.Equal(t, total.Load(), lastSent.Load())
}

func TestUploadPhotoValidatesRequest(t *testing.T) {
	client := New(testSettings("http://backend.test"))

	_, err := client.UploadPhoto(context.Background(), &UploadRequest{PhotoID: "p1", ItemID: "item-1"})
	require.Error(t, err)

	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, errors.CategoryValidation, enhanced.ErrorCategory())
}
