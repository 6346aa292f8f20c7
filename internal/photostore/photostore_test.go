package photostore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	settings := &conf.Settings{}
	settings.Store.Path = filepath.Join(t.TempDir(), "photos.db")
	store := New(settings, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPhoto(id, itemID string) *CapturedPhoto {
	return &CapturedPhoto{
		ID:             id,
		ItemID:         itemID,
		SessionID:      "session-1",
		Angle:          AngleFront,
		CompressedData: []byte("jpeg-bytes"),
		DataURL:        "data:image/jpeg;base64,abcd",
		Width:          1920,
		Height:         1080,
		SizeBytes:      9,
		Quality:        0.8,
		Compressed:     true,
		CapturedAt:     time.Now(),
	}
}

func TestSaveOpensLazily(t *testing.T) {
	store := newTestStore(t)

	// No explicit Open; first operation must set up the schema.
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))

	got, err := store.GetByID("p1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", got.ItemID)
	assert.Equal(t, []byte("jpeg-bytes"), got.CompressedData)
}

func TestSaveRejectsMissingID(t *testing.T) {
	store := newTestStore(t)

	err := store.Save(&CapturedPhoto{ItemID: "item-1"})
	require.Error(t, err)

	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, errors.CategoryValidation, enhanced.ErrorCategory())
}

func TestGetFiltersByItemAndUploadState(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))
	require.NoError(t, store.Save(testPhoto("p2", "item-1")))
	require.NoError(t, store.Save(testPhoto("p3", "item-2")))
	require.NoError(t, store.MarkUploaded("p2"))

	photos, err := store.Get(PhotoFilter{ItemID: "item-1"})
	require.NoError(t, err)
	assert.Len(t, photos, 2)

	pending := false
	photos, err = store.Get(PhotoFilter{ItemID: "item-1", Uploaded: &pending})
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, "p1", photos[0].ID)
}

func TestMarkUploadedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))

	require.NoError(t, store.MarkUploaded("p1"))
	first, err := store.GetByID("p1")
	require.NoError(t, err)
	require.NotNil(t, first.UploadedAt)

	// Second acknowledgement must not touch the record.
	require.NoError(t, store.MarkUploaded("p1"))
	second, err := store.GetByID("p1")
	require.NoError(t, err)
	assert.True(t, second.Uploaded)
	assert.Equal(t, first.UploadedAt.Unix(), second.UploadedAt.Unix())
}

func TestMarkUploadedMissingPhoto(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Open())

	err := store.MarkUploaded("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimIsExclusive(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))

	require.NoError(t, store.Claim("p1", "uploadqueue"))

	err := store.Claim("p1", "syncer")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// Re-claiming by the same owner is a no-op, not a conflict.
	require.NoError(t, store.Claim("p1", "uploadqueue"))

	require.NoError(t, store.Release("p1", "uploadqueue"))
	require.NoError(t, store.Claim("p1", "syncer"))
}

func TestClaimRejectsUploadedPhoto(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))
	require.NoError(t, store.MarkUploaded("p1"))

	err := store.Claim("p1", "syncer")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestReleaseIgnoresForeignClaim(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))
	require.NoError(t, store.Claim("p1", "uploadqueue"))

	require.NoError(t, store.Release("p1", "syncer"))

	got, err := store.GetByID("p1")
	require.NoError(t, err)
	assert.Equal(t, "uploadqueue", got.ClaimedBy)
}

func TestMarkUploadedReleasesClaim(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))
	require.NoError(t, store.Claim("p1", "uploadqueue"))

	require.NoError(t, store.MarkUploaded("p1"))

	got, err := store.GetByID("p1")
	require.NoError(t, err)
	assert.Empty(t, got.ClaimedBy)
}

func TestSweepRemovesOldUploadedPhotos(t *testing.T) {
	store := newTestStore(t)

	old := testPhoto("old", "item-1")
	old.CapturedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Save(old))
	require.NoError(t, store.MarkUploaded("old"))

	recent := testPhoto("recent", "item-1")
	require.NoError(t, store.Save(recent))
	require.NoError(t, store.MarkUploaded("recent"))

	pending := testPhoto("pending", "item-1")
	pending.CapturedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Save(pending))

	swept, err := store.Sweep(24*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = store.GetByID("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetByID("recent")
	assert.NoError(t, err)
	// Pending photos survive regardless of age.
	_, err = store.GetByID("pending")
	assert.NoError(t, err)
}

func TestSweepHonorsKeepCallback(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		photo := testPhoto(id, "item-1")
		photo.CapturedAt = time.Now().Add(-48 * time.Hour)
		require.NoError(t, store.Save(photo))
		require.NoError(t, store.MarkUploaded(id))
	}

	swept, err := store.Sweep(24*time.Hour, func(photoID string) bool {
		return photoID == "a"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = store.GetByID("a")
	assert.NoError(t, err)
	_, err = store.GetByID("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountPending(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))
	require.NoError(t, store.Save(testPhoto("p2", "item-1")))
	require.NoError(t, store.MarkUploaded("p1"))

	count, err := store.CountPending()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestClearDropsEverything(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))
	require.NoError(t, store.SaveSession(&PhotoSession{ID: "s1", RoomID: "room-1", Status: SessionActive}))

	require.NoError(t, store.Clear())

	photos, err := store.Get(PhotoFilter{})
	require.NoError(t, err)
	assert.Empty(t, photos)
	sessions, err := store.GetSessions("")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)

	session := &PhotoSession{ID: "s1", RoomID: "room-1", Name: "Living Room", Status: SessionActive}
	require.NoError(t, store.SaveSession(session))
	assert.False(t, session.LastSaveTime.IsZero())

	session.Status = SessionEnded
	session.PhotoCount = 4
	require.NoError(t, store.SaveSession(session))

	active, err := store.GetSessions(SessionActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	ended, err := store.GetSessions(SessionEnded)
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, 4, ended[0].PhotoCount)

	require.NoError(t, store.DeleteSession("s1"))
	all, err := store.GetSessions("")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdatePartialFields(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testPhoto("p1", "item-1")))

	require.NoError(t, store.Update("p1", map[string]any{"thumbnail_url": "data:image/jpeg;base64,thumb"}))

	got, err := store.GetByID("p1")
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,thumb", got.ThumbnailURL)

	assert.ErrorIs(t, store.Update("nope", map[string]any{"angle": AngleBack}), ErrNotFound)
}

func TestConcurrentFirstUseInitializesOnce(t *testing.T) {
	store := newTestStore(t)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			done <- store.Save(testPhoto(string(rune('a'+n)), "item-1"))
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	photos, err := store.Get(PhotoFilter{ItemID: "item-1"})
	require.NoError(t, err)
	assert.Len(t, photos, 8)
}
