package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const indexDBName = "cache.db"

// EncryptedCacheIndex implements domain.CacheIndex using a SQLCipher
// encrypted SQLite database.
type EncryptedCacheIndex struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewEncryptedCacheIndex opens (or creates) the index database in indexDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedCacheIndex(indexDir string, key []byte) (*EncryptedCacheIndex, error) {
	if err := os.MkdirAll(indexDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	dbPath := filepath.Join(indexDir, indexDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to cache index: %w", err)
	}

	idx := &EncryptedCacheIndex{db: db, dbPath: dbPath, now: time.Now}
	if err := idx.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return idx, nil
}

// OpenCacheIndex opens the index for a cache layout, creating its key on
// first use.
func OpenCacheIndex(layout *CacheLayout) (*EncryptedCacheIndex, error) {
	key, err := NewIndexKeyFile(layout.IndexDir).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load index key: %w", err)
	}
	return NewEncryptedCacheIndex(layout.IndexDir, key)
}

func (x *EncryptedCacheIndex) createTables() error {
	_, err := x.db.Exec(`
	CREATE TABLE IF NOT EXISTS extractions (
		app TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		dir TEXT NOT NULL,
		size INTEGER NOT NULL,
		extracted_at INTEGER NOT NULL,
		PRIMARY KEY (app, content_hash)
	);
	`)
	return err
}

// Record stores or refreshes an entry. A zero ExtractedAt is stamped with
// the current time.
func (x *EncryptedCacheIndex) Record(entry domain.CacheEntry) error {
	if entry.App == "" || entry.ContentHash == "" {
		return fmt.Errorf("cache entry requires app and content hash")
	}
	if entry.ExtractedAt == 0 {
		entry.ExtractedAt = x.now().Unix()
	}
	_, err := x.db.Exec(`
		INSERT OR REPLACE INTO extractions (app, content_hash, dir, size, extracted_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.App, entry.ContentHash, entry.Dir, entry.Size, entry.ExtractedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record cache entry: %w", err)
	}
	return nil
}

// List returns all entries for app, newest first.
func (x *EncryptedCacheIndex) List(app string) ([]domain.CacheEntry, error) {
	rows, err := x.db.Query(`
		SELECT app, content_hash, dir, size, extracted_at FROM extractions
		WHERE app = ? ORDER BY extracted_at DESC, content_hash`, app)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.CacheEntry
	for rows.Next() {
		var e domain.CacheEntry
		if err := rows.Scan(&e.App, &e.ContentHash, &e.Dir, &e.Size, &e.ExtractedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes an entry. Removing an unknown entry is not an error.
func (x *EncryptedCacheIndex) Remove(app, contentHash string) error {
	_, err := x.db.Exec(`DELETE FROM extractions WHERE app = ? AND content_hash = ?`, app, contentHash)
	return err
}

// Path returns the database file path.
func (x *EncryptedCacheIndex) Path() string {
	return x.dbPath
}

// Close releases the database connection.
func (x *EncryptedCacheIndex) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// Ensure EncryptedCacheIndex implements domain.CacheIndex.
var _ domain.CacheIndex = (*EncryptedCacheIndex)(nil)

// LazyCacheIndex defers opening the index until an entry is recorded,
// listed or removed. A launch that hits the extraction cache never opens
// the database.
type LazyCacheIndex struct {
	open  func() (domain.CacheIndex, error)
	mu    sync.Mutex
	index domain.CacheIndex
	err   error
}

// NewLazyCacheIndex returns an index for layout that is opened on first use.
func NewLazyCacheIndex(layout *CacheLayout) *LazyCacheIndex {
	return NewLazyCacheIndexWithOpener(func() (domain.CacheIndex, error) {
		idx, err := OpenCacheIndex(layout)
		if err != nil {
			return nil, err
		}
		return idx, nil
	})
}

// NewLazyCacheIndexWithOpener returns a lazy index over open (for testing).
// A failed open is remembered and not retried.
func NewLazyCacheIndexWithOpener(open func() (domain.CacheIndex, error)) *LazyCacheIndex {
	return &LazyCacheIndex{open: open}
}

func (x *LazyCacheIndex) get() (domain.CacheIndex, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.index == nil && x.err == nil {
		x.index, x.err = x.open()
		if x.err != nil {
			x.err = fmt.Errorf("failed to open cache index: %w", x.err)
		}
	}
	return x.index, x.err
}

// Record opens the index if needed and stores entry.
func (x *LazyCacheIndex) Record(entry domain.CacheEntry) error {
	idx, err := x.get()
	if err != nil {
		return err
	}
	return idx.Record(entry)
}

// List opens the index if needed and lists app's entries.
func (x *LazyCacheIndex) List(app string) ([]domain.CacheEntry, error) {
	idx, err := x.get()
	if err != nil {
		return nil, err
	}
	return idx.List(app)
}

// Remove opens the index if needed and deletes an entry.
func (x *LazyCacheIndex) Remove(app, contentHash string) error {
	idx, err := x.get()
	if err != nil {
		return err
	}
	return idx.Remove(app, contentHash)
}

// Close closes the underlying index if it was opened.
func (x *LazyCacheIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.index == nil {
		return nil
	}
	err := x.index.Close()
	x.index = nil
	x.err = errIndexClosed
	return err
}

var errIndexClosed = errors.New("cache index closed")

// Ensure LazyCacheIndex implements domain.CacheIndex.
var _ domain.CacheIndex = (*LazyCacheIndex)(nil)
