package photostore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/logging"
	"github.com/patricksmith/highline-capture/internal/observability/metrics"
)

var serviceLogger *slog.Logger

func init() {
	var err error
	serviceLogger, _, err = logging.NewFileLogger("logs/photostore.log", "photostore", slog.LevelInfo)
	if err != nil || serviceLogger == nil {
		serviceLogger = slog.Default().With("service", "photostore")
	}
}

// SQLiteStore implements Interface for SQLite.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings

	openOnce sync.Once
	openErr  error
}

// New creates a SQLite-backed photo store. The database is not opened until
// Open is called; Open is also invoked lazily by the store's operations.
func New(settings *conf.Settings, storeMetrics *metrics.PhotoStoreMetrics) *SQLiteStore {
	store := &SQLiteStore{
		DataStore: DataStore{Metrics: storeMetrics},
		Settings:  settings,
	}
	store.Opener = store.Open
	return store
}

// Open sets up the SQLite database connection and schema. It is idempotent and
// safe for concurrent callers: initialization runs exactly once and later calls
// observe its result.
func (store *SQLiteStore) Open() error {
	store.openOnce.Do(func() {
		store.openErr = store.open()
	})
	return store.openErr
}

func (store *SQLiteStore) open() error {
	path := store.Settings.Store.Path
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.AutoMigrate(&CapturedPhoto{}, &PhotoSession{}); err != nil {
		return fmt.Errorf("failed to migrate photo store schema: %w", err)
	}

	store.DB = db
	serviceLogger.Info("photo store opened", "path", path)
	return nil
}

// Close closes the underlying database connection.
func (store *SQLiteStore) Close() error {
	if store.DB == nil {
		return nil
	}
	sqlDB, err := store.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
