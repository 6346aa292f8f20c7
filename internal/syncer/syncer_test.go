package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patricksmith/highline-capture/internal/api"
	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/photostore"
)

type scriptedClient struct {
	mu       sync.Mutex
	calls    []string
	failing  map[string]bool
	inFlight int
	maxSeen  int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{failing: make(map[string]bool)}
}

func (s *scriptedClient) UploadPhoto(ctx context.Context, req *api.UploadRequest) (*api.UploadResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.PhotoID)
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	failing := s.failing[req.PhotoID]
	s.mu.Unlock()

	// Give an overlapping transfer a chance to show up.
	time.Sleep(2 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if failing {
		return nil, errors.Newf("upload failed with status 502").
			Component("api").Category(errors.CategoryTransfer).Build()
	}
	return &api.UploadResponse{Success: true, Successful: 1}, nil
}

func newSyncFixture(t *testing.T) (*Coordinator, *photostore.SQLiteStore, *scriptedClient) {
	t.Helper()
	settings := &conf.Settings{}
	settings.Store.Path = filepath.Join(t.TempDir(), "photos.db")
	settings.Store.Retention = 24 * time.Hour

	store := photostore.New(settings, nil)
	t.Cleanup(func() { _ = store.Close() })

	client := newScriptedClient()
	coordinator := New(settings, store, client, nil, nil, nil)
	return coordinator, store, client
}

func savePending(t *testing.T, store *photostore.SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, store.Save(&photostore.CapturedPhoto{
		ID:             id,
		ItemID:         "item-1",
		Angle:          photostore.AngleFront,
		CompressedData: []byte("payload"),
		SizeBytes:      7,
	}))
}

func TestSyncDrainsBacklogInOrder(t *testing.T) {
	coordinator, store, client := newSyncFixture(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		savePending(t, store, id)
		coordinator.QueueForSync(id)
	}

	require.NoError(t, coordinator.SyncNow(context.Background()))

	assert.Equal(t, []string{"p1", "p2", "p3"}, client.calls)
	assert.Equal(t, 1, client.maxSeen, "sync must be strictly sequential")
	assert.Empty(t, coordinator.Backlog())

	for _, id := range []string{"p1", "p2", "p3"} {
		photo, err := store.GetByID(id)
		require.NoError(t, err)
		assert.True(t, photo.Uploaded)
	}
}

func TestFailureStopsPassAndPreservesOrder(t *testing.T) {
	coordinator, store, client := newSyncFixture(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		savePending(t, store, id)
		coordinator.QueueForSync(id)
	}
	client.failing["p2"] = true

	err := coordinator.SyncNow(context.Background())
	require.Error(t, err)

	// p1 synced, p2 failed and leads the backlog, p3 untouched.
	assert.Equal(t, []string{"p1", "p2"}, client.calls)
	assert.Equal(t, []string{"p2", "p3"}, coordinator.Backlog())

	p2, err := store.GetByID("p2")
	require.NoError(t, err)
	assert.False(t, p2.Uploaded)
	assert.Empty(t, p2.ClaimedBy, "failed sync must release the claim")

	// Next pass resumes where the last one stopped.
	client.failing["p2"] = false
	require.NoError(t, coordinator.SyncNow(context.Background()))
	assert.Equal(t, []string{"p1", "p2", "p2", "p3"}, client.calls)
	assert.Empty(t, coordinator.Backlog())
}

func TestClaimedPhotoIsSkippedNotFailed(t *testing.T) {
	coordinator, store, client := newSyncFixture(t)
	savePending(t, store, "p1")
	savePending(t, store, "p2")
	require.NoError(t, store.Claim("p1", "uploadqueue"))

	coordinator.QueueForSync("p1")
	coordinator.QueueForSync("p2")

	require.NoError(t, coordinator.SyncNow(context.Background()))

	// p1 belongs to the queue manager; only p2 transfers.
	assert.Equal(t, []string{"p2"}, client.calls)
	p1, err := store.GetByID("p1")
	require.NoError(t, err)
	assert.False(t, p1.Uploaded)
	assert.Equal(t, "uploadqueue", p1.ClaimedBy)
}

// stubMonitor reports a fixed connectivity state.
type stubMonitor struct{ online bool }

func (s *stubMonitor) IsOnline() bool                        { return s.online }
func (s *stubMonitor) Subscribe(fn func(online bool)) func() { return func() {} }

func TestQueueForSyncDrainsImmediatelyWhenOnline(t *testing.T) {
	settings := &conf.Settings{}
	settings.Store.Path = filepath.Join(t.TempDir(), "photos.db")
	settings.Store.Retention = 24 * time.Hour
	store := photostore.New(settings, nil)
	t.Cleanup(func() { _ = store.Close() })

	client := newScriptedClient()
	coordinator := New(settings, store, client, &stubMonitor{online: true}, nil, nil)

	savePending(t, store, "p1")
	coordinator.QueueForSync("p1")

	// No transition, no manual SyncNow: being online is reason enough.
	require.Eventually(t, func() bool {
		photo, err := store.GetByID("p1")
		return err == nil && photo.Uploaded
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, coordinator.Backlog())
}

func TestQueueForSyncDeduplicates(t *testing.T) {
	coordinator, _, _ := newSyncFixture(t)
	coordinator.QueueForSync("p1")
	coordinator.QueueForSync("p1")
	assert.Equal(t, []string{"p1"}, coordinator.Backlog())
}

func TestRetryFailedUploadsRebuildsFromStore(t *testing.T) {
	coordinator, store, client := newSyncFixture(t)
	savePending(t, store, "p1")
	savePending(t, store, "p2")
	savePending(t, store, "p3")
	require.NoError(t, store.MarkUploaded("p3"))

	require.NoError(t, coordinator.RetryFailedUploads(context.Background()))

	// Only the unsynced photos transfer; p3 was already acknowledged.
	assert.ElementsMatch(t, []string{"p1", "p2"}, client.calls)
}

func TestGetPendingUploads(t *testing.T) {
	coordinator, store, _ := newSyncFixture(t)
	savePending(t, store, "p1")
	savePending(t, store, "p2")
	require.NoError(t, store.MarkUploaded("p1"))

	pending, err := coordinator.GetPendingUploads()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p2", pending[0].ID)
}

func TestAlreadyUploadedPhotoIsNoOp(t *testing.T) {
	coordinator, store, client := newSyncFixture(t)
	savePending(t, store, "p1")
	require.NoError(t, store.MarkUploaded("p1"))

	coordinator.QueueForSync("p1")
	require.NoError(t, coordinator.SyncNow(context.Background()))
	assert.Empty(t, client.calls)
}

func TestCancelledContextStopsPass(t *testing.T) {
	coordinator, store, client := newSyncFixture(t)
	savePending(t, store, "p1")
	coordinator.QueueForSync("p1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := coordinator.SyncNow(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.calls)
}
