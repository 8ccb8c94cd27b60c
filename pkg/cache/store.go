package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/batchling/batchling/pkg/logging"
)

// Entry is one row of the persistent fingerprint cache: a completed or
// in-flight request, keyed by its fingerprint, identified by the batch and
// custom id that will (or did) resolve it.
type Entry struct {
	Fingerprint string `gorm:"primaryKey"`
	Provider    string `gorm:"index"`
	Host        string
	BatchID     string `gorm:"index"`
	CustomID    string
	CreatedAt   time.Time
}

// TableName pins the table name so renaming the Go type never migrates data.
func (Entry) TableName() string { return "request_cache" }

// Retention is the maximum age of a cache row Lookup will still return as a
// hit. Rows older than this are treated as misses even if still physically
// present; Prune is what actually deletes them. 30 days per spec.md §3.
const Retention = 30 * 24 * time.Hour

// Store is the persistence contract the engine uses to resume batches
// across process restarts.
type Store interface {
	// Lookup returns the entry for a fingerprint, if one has already been
	// recorded.
	Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error)

	// Record upserts the batch/custom id a fingerprint resolves to.
	Record(ctx context.Context, entry Entry) error

	// ByBatch returns every entry recorded against a batch id, used to
	// resume polling and to re-associate results with pending requests
	// after a restart.
	ByBatch(ctx context.Context, batchID string) ([]Entry, error)

	// Prune deletes entries older than olderThan, called opportunistically
	// so the cache doesn't grow without bound.
	Prune(ctx context.Context, olderThan time.Time) error

	// Close releases the underlying connection.
	Close() error
}

// sqliteStore is a gorm/sqlite-backed Store, grounded on bifrost's
// log store: same WAL-mode DSN, same create-file-if-absent behavior.
type sqliteStore struct {
	db     *gorm.DB
	logger logging.Logger
}

// OpenSQLite opens (creating if absent) a WAL-mode sqlite database at path
// and migrates the request_cache table.
func OpenSQLite(path string, logger logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.Noop{}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("cache: failed to create database file: %w", err)
		}
		_ = f.Close()
	}

	dsn := fmt.Sprintf(
		"%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=60000&_wal_autocheckpoint=1000&_foreign_keys=1",
		path,
	)
	logger.Debug("opening cache database", logging.Str("dsn", dsn))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("cache: failed to migrate schema: %w", err)
	}

	return &sqliteStore{db: db, logger: logger}, nil
}

func (s *sqliteStore) Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).First(&entry, "fingerprint = ?", fingerprint).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: lookup failed: %w", err)
	}
	if timeNow().Sub(entry.CreatedAt) > Retention {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (s *sqliteStore) Record(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = timeNow()
	}
	err := s.db.WithContext(ctx).Save(&entry).Error
	if err != nil {
		return fmt.Errorf("cache: record failed: %w", err)
	}
	return nil
}

func (s *sqliteStore) ByBatch(ctx context.Context, batchID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("cache: batch lookup failed: %w", err)
	}
	return entries, nil
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) error {
	err := s.db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("cache: prune failed: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// timeNow is indirected so tests can freeze it if ever needed; production
// code always gets wall-clock time.
var timeNow = time.Now

var _ Store = (*sqliteStore)(nil)
