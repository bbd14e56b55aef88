package approver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Collection names. One logical collection = one namespace of records.
const (
	collectionAllowlist   = "allowlist"
	collectionTrustedCode = "trusted_code"
	collectionHistory     = "history"
	collectionDecisions   = "decisions"
)

// Record is one persisted entry in a collection.
type Record struct {
	Key      string
	Data     []byte
	StoredAt time.Time
}

// Collection is a namespace of records keyed by a stable string. Every record
// is a physically separate unit of storage; writing one record never requires
// locking another. Concurrent writers to the same key are not coordinated:
// last writer wins.
type Collection interface {
	Put(key string, data []byte) error
	// Get returns ErrNotFound (wrapped) when the key has no backing record.
	Get(key string) (Record, error)
	// Delete reports whether a record was actually removed.
	Delete(key string) (bool, error)
	// List returns all records, most recently stored first.
	List() ([]Record, error)
}

// Store groups the collections of one storage backend.
type Store interface {
	Collection(name string) Collection
	Close() error
}

// FSStoreOptions configures the filesystem backend.
type FSStoreOptions struct {
	// OwnerOnly restricts record files to owner read/write (0600) and
	// collection directories to owner access (0700). Records holding emails
	// and code content may live in a shared-storage area, so main enables
	// this unless configured otherwise.
	OwnerOnly bool
}

func (o FSStoreOptions) fileMode() os.FileMode {
	if o.OwnerOnly {
		return 0o600
	}
	return 0o644
}

func (o FSStoreOptions) dirMode() os.FileMode {
	if o.OwnerOnly {
		return 0o700
	}
	return 0o755
}

// NewFSStore opens a filesystem store rooted at dir. Each collection is a
// subdirectory and each record a single JSON file keyed by its identity.
func NewFSStore(dir string, opts FSStoreOptions) (Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if err := os.MkdirAll(dir, opts.dirMode()); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &fsStore{dir: dir, opts: opts}, nil
}

type fsStore struct {
	dir  string
	opts FSStoreOptions
}

func (s *fsStore) Collection(name string) Collection {
	return &fsCollection{dir: filepath.Join(s.dir, name), opts: s.opts}
}

func (s *fsStore) Close() error { return nil }

type fsCollection struct {
	dir  string
	opts FSStoreOptions
}

func (c *fsCollection) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *fsCollection) Put(key string, data []byte) error {
	if err := os.MkdirAll(c.dir, c.opts.dirMode()); err != nil {
		return err
	}
	p := c.path(key)
	if err := os.WriteFile(p, data, c.opts.fileMode()); err != nil {
		return err
	}
	// WriteFile only applies the mode on create; enforce it on overwrite too.
	return os.Chmod(p, c.opts.fileMode())
}

func (c *fsCollection) Get(key string) (Record, error) {
	p := c.path(key)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Record{}, err
	}
	storedAt := time.Now().UTC()
	if info, err := os.Stat(p); err == nil {
		storedAt = info.ModTime().UTC()
	}
	return Record{Key: key, Data: data, StoredAt: storedAt}, nil
}

func (c *fsCollection) Delete(key string) (bool, error) {
	if err := os.Remove(c.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fsCollection) List() ([]Record, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := c.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			// Removed between readdir and read; an independent administrative
			// process may be mutating the same collection.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StoredAt.After(records[j].StoredAt)
	})
	return records, nil
}

// storedRecord is the SQLite row shape for the gorm-backed store.
type storedRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Collection string    `gorm:"uniqueIndex:uniq_collection_key;size:64"`
	Key        string    `gorm:"uniqueIndex:uniq_collection_key;size:256"`
	Data       []byte    `gorm:"type:blob"`
	StoredAt   time.Time `gorm:"index"`
}

func (storedRecord) TableName() string { return "records" }

// NewSQLiteStore opens a single-file SQLite store. It satisfies the same
// Collection contract as the filesystem backend; row-level writes keep the
// one-record-one-unit property.
func NewSQLiteStore(path string) (Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&storedRecord{}); err != nil {
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *gorm.DB
}

func (s *sqliteStore) Collection(name string) Collection {
	return &sqliteCollection{db: s.db, name: name}
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqliteCollection struct {
	db   *gorm.DB
	name string
}

func (c *sqliteCollection) Put(key string, data []byte) error {
	now := time.Now().UTC()
	return c.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&storedRecord{}).
			Where("collection = ? AND key = ?", c.name, key).
			Updates(map[string]any{"data": data, "stored_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&storedRecord{Collection: c.name, Key: key, Data: data, StoredAt: now}).Error
	})
}

func (c *sqliteCollection) Get(key string) (Record, error) {
	var row storedRecord
	err := c.db.Where("collection = ? AND key = ?", c.name, key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Record{}, err
	}
	return Record{Key: row.Key, Data: row.Data, StoredAt: row.StoredAt}, nil
}

func (c *sqliteCollection) Delete(key string) (bool, error) {
	res := c.db.Where("collection = ? AND key = ?", c.name, key).Delete(&storedRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (c *sqliteCollection) List() ([]Record, error) {
	var rows []storedRecord
	if err := c.db.Where("collection = ?", c.name).Order("stored_at desc, id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{Key: row.Key, Data: row.Data, StoredAt: row.StoredAt})
	}
	return out, nil
}
