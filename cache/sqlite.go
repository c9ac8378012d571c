package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache is a Provider backed by a SQLite database file.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex sync.Mutex
	maxBytes   int64
}

// NewSQLiteCache creates a new cache with the given filename as the db,
// bounded to maxBytes. If the file name is empty, an in-memory db is opened.
// A maxBytes of zero means 32 MiB.
func NewSQLiteCache(filename string, maxBytes int64) (*SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	if maxBytes == 0 {
		maxBytes = 32 << 20
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			accessed INTEGER,
			size INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS accessed_idx ON cache (accessed)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteCache{db: db, maxBytes: maxBytes}, nil
}

func (s *SQLiteCache) Get(key string) (Entry, bool, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE key = ?", key).Scan(&blob)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := decodeEntry(blob)
	if err != nil {
		// corrupted entry, drop it
		s.Purge(key)
		return Entry{}, false, err
	}
	s.touch(key)
	return entry, true, nil
}

func (s *SQLiteCache) touch(key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec("UPDATE cache SET accessed = ? WHERE key = ?", time.Now().Unix(), key)
}

func (s *SQLiteCache) Put(key string, entry Entry) error {
	blob, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO cache (key, accessed, size, bytes) VALUES (?, ?, ?, ?)",
		key, time.Now().Unix(), int64(len(blob)), blob)
	if err != nil {
		return err
	}
	return s.evictLocked()
}

// evictLocked drops least-recently-accessed rows until under capacity.
func (s *SQLiteCache) evictLocked() error {
	for {
		var total sql.NullInt64
		if err := s.db.QueryRow("SELECT SUM(size) FROM cache").Scan(&total); err != nil {
			return err
		}
		if !total.Valid || total.Int64 <= s.maxBytes {
			return nil
		}
		res, err := s.db.Exec(
			"DELETE FROM cache WHERE key = (SELECT key FROM cache ORDER BY accessed ASC LIMIT 1)")
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
	}
}

func (s *SQLiteCache) Purge(key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec("DELETE FROM cache WHERE key = ?", key)
}

func (s *SQLiteCache) Clear() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache")
	return err
}

func (s *SQLiteCache) Keys(cb func(key string)) {
	rows, err := s.db.Query("SELECT key FROM cache")
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
