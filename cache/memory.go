package cache

import (
	"sync"
	"time"
)

type memEntry struct {
	entry    Entry
	size     int64
	accessed time.Time
}

// MemCache is an in-memory Provider, mainly useful for tests and
// short-lived processes.
type MemCache struct {
	mu        sync.Mutex
	db        map[string]memEntry
	maxBytes  int64
	totalSize int64
}

// NewMemCache creates an in-memory cache bounded to maxBytes.
// A maxBytes of zero means 32 MiB.
func NewMemCache(maxBytes int64) *MemCache {
	if maxBytes == 0 {
		maxBytes = 32 << 20
	}
	return &MemCache{
		db:       make(map[string]memEntry),
		maxBytes: maxBytes,
	}
}

func (m *MemCache) Get(key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.db[key]
	if !ok {
		return Entry{}, false, nil
	}
	me.accessed = time.Now()
	m.db[key] = me
	return me.entry, true, nil
}

func (m *MemCache) Put(key string, entry Entry) error {
	size := entry.Size()
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.db[key]; ok {
		m.totalSize -= old.size
	}
	m.db[key] = memEntry{entry: entry, size: size, accessed: time.Now()}
	m.totalSize += size
	m.evictLocked()
	return nil
}

// evictLocked drops least-recently-accessed entries until under capacity.
func (m *MemCache) evictLocked() {
	for m.totalSize > m.maxBytes && len(m.db) > 1 {
		var oldestKey string
		var oldest time.Time
		for key, me := range m.db {
			if oldestKey == "" || me.accessed.Before(oldest) {
				oldestKey = key
				oldest = me.accessed
			}
		}
		m.totalSize -= m.db[oldestKey].size
		delete(m.db, oldestKey)
	}
}

func (m *MemCache) Purge(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if me, ok := m.db[key]; ok {
		m.totalSize -= me.size
		delete(m.db, key)
	}
}

func (m *MemCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db = make(map[string]memEntry)
	m.totalSize = 0
	return nil
}

func (m *MemCache) Keys(cb func(key string)) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		cb(key)
	}
}

func (m *MemCache) Close() error {
	return nil
}
