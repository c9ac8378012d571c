package cache

import (
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelDBPrefix = "e:"

type levelDBMeta struct {
	size     int64
	accessed int64
}

// LevelDBCache is a Provider backed by a LevelDB database directory.
// It keeps an in-memory size index so capacity accounting does not require
// scanning the database on every write.
type LevelDBCache struct {
	db       *leveldb.DB
	maxBytes int64

	mu        sync.Mutex
	index     map[string]levelDBMeta
	totalSize int64
}

// NewLevelDBCache opens (or creates) a LevelDB database at path, bounded to
// maxBytes. A maxBytes of zero means 32 MiB.
func NewLevelDBCache(path string, maxBytes int64) (*LevelDBCache, error) {
	if maxBytes == 0 {
		maxBytes = 32 << 20
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	l := &LevelDBCache{
		db:       db,
		maxBytes: maxBytes,
		index:    make(map[string]levelDBMeta),
	}
	if err := l.loadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *LevelDBCache) loadIndex() error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelDBPrefix)), nil)
	defer it.Release()
	now := time.Now().Unix()
	for it.Next() {
		key := string(it.Key()[len(levelDBPrefix):])
		size := int64(len(it.Value()))
		l.index[key] = levelDBMeta{size: size, accessed: now}
		l.totalSize += size
	}
	return it.Error()
}

func (l *LevelDBCache) Get(key string) (Entry, bool, error) {
	blob, err := l.db.Get([]byte(levelDBPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := decodeEntry(blob)
	if err != nil {
		l.Purge(key)
		return Entry{}, false, err
	}
	l.mu.Lock()
	if meta, ok := l.index[key]; ok {
		meta.accessed = time.Now().Unix()
		l.index[key] = meta
	}
	l.mu.Unlock()
	return entry, true, nil
}

func (l *LevelDBCache) Put(key string, entry Entry) error {
	blob, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := l.db.Put([]byte(levelDBPrefix+key), blob, nil); err != nil {
		return err
	}
	l.mu.Lock()
	if old, ok := l.index[key]; ok {
		l.totalSize -= old.size
	}
	l.index[key] = levelDBMeta{size: int64(len(blob)), accessed: time.Now().Unix()}
	l.totalSize += int64(len(blob))
	evict := l.evictionVictimsLocked()
	l.mu.Unlock()
	for _, victim := range evict {
		l.db.Delete([]byte(levelDBPrefix+victim), nil)
	}
	return nil
}

// evictionVictimsLocked removes least-recently-accessed keys from the index
// until under capacity and returns them for deletion from the db.
func (l *LevelDBCache) evictionVictimsLocked() []string {
	var victims []string
	for l.totalSize > l.maxBytes && len(l.index) > 1 {
		var oldestKey string
		var oldest int64
		for key, meta := range l.index {
			if oldestKey == "" || meta.accessed < oldest {
				oldestKey = key
				oldest = meta.accessed
			}
		}
		l.totalSize -= l.index[oldestKey].size
		delete(l.index, oldestKey)
		victims = append(victims, oldestKey)
	}
	return victims
}

func (l *LevelDBCache) Purge(key string) {
	l.mu.Lock()
	if meta, ok := l.index[key]; ok {
		l.totalSize -= meta.size
		delete(l.index, key)
	}
	l.mu.Unlock()
	l.db.Delete([]byte(levelDBPrefix+key), nil)
}

func (l *LevelDBCache) Clear() error {
	l.mu.Lock()
	keys := make([]string, 0, len(l.index))
	for key := range l.index {
		keys = append(keys, key)
	}
	l.index = make(map[string]levelDBMeta)
	l.totalSize = 0
	l.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete([]byte(levelDBPrefix + key))
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDBCache) Keys(cb func(key string)) {
	l.mu.Lock()
	keys := make([]string, 0, len(l.index))
	for key := range l.index {
		keys = append(keys, key)
	}
	l.mu.Unlock()
	for _, key := range keys {
		cb(key)
	}
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}
