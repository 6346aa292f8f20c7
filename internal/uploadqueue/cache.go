// cache.go: restart-safe persistence for queue metadata.
package uploadqueue

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

func init() {
	gob.Register(Upload{})
}

// metadataCache persists upload metadata across process restarts. Entries
// expire after the configured retention, so a record orphaned by a crash
// cannot outlive its usefulness. Payload bytes are never cached here.
type metadataCache struct {
	cache     *gocache.Cache
	path      string
	retention time.Duration
}

func newMetadataCache(path string, retention time.Duration) *metadataCache {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &metadataCache{
		cache:     gocache.New(retention, retention/4),
		path:      path,
		retention: retention,
	}
}

// put stores or refreshes one upload record.
func (mc *metadataCache) put(upload *Upload) {
	mc.cache.Set(upload.ID, upload.snapshot(), gocache.DefaultExpiration)
}

func (mc *metadataCache) remove(uploadID string) {
	mc.cache.Delete(uploadID)
}

// restore loads persisted records from disk and returns the ones still within
// retention. A missing or unreadable file is a cold start, not an error.
func (mc *metadataCache) restore() []Upload {
	if mc.path != "" {
		if err := mc.cache.LoadFile(mc.path); err != nil && !os.IsNotExist(err) {
			serviceLogger.Warn("Failed to load queue cache, starting cold",
				"path", mc.path, "error", err)
		}
	}

	cutoff := time.Now().Add(-mc.retention)
	uploads := make([]Upload, 0)
	for _, item := range mc.cache.Items() {
		upload, ok := item.Object.(Upload)
		if !ok {
			continue
		}
		if upload.QueuedAt.Before(cutoff) {
			mc.cache.Delete(upload.ID)
			continue
		}
		uploads = append(uploads, upload)
	}
	return uploads
}

// flush writes the cache to disk.
func (mc *metadataCache) flush() error {
	if mc.path == "" {
		return nil
	}
	if dir := filepath.Dir(mc.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return mc.cache.SaveFile(mc.path)
}

func (mc *metadataCache) clear() {
	mc.cache.Flush()
	if mc.path != "" {
		_ = os.Remove(mc.path)
	}
}
