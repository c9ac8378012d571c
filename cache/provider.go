// Package cache provides persistent, size-bounded storage for proxied HTTP
// responses. Entries are addressed by the normalized upstream request and
// carry their own freshness window, independent of origin cache directives.
package cache

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"time"
)

// Provider is an interface for a cache storage backend.
// It stores and retrieves Entry values representing HTTP responses.
// Implementations must be safe for concurrent use and must enforce a fixed
// byte capacity, evicting least-recently-accessed entries when full.
type Provider interface {
	// Get returns the stored entry for the given key, if it exists.
	// The second return value indicates whether an entry was found.
	// Expired entries are still returned: serving stale content is the
	// caller's policy decision, not the store's.
	Get(key string) (Entry, bool, error)
	// Put stores the given entry under the given key, overwriting any
	// previous entry.
	Put(key string, entry Entry) error
	// Purge removes the entry for the given key, if present.
	Purge(key string)
	// Clear removes all stored entries.
	Clear() error
	// Keys calls the given callback for each stored key.
	Keys(cb func(key string))
	// Close releases any resources held by the provider.
	Close() error
}

// Entry is a single cached response.
type Entry struct {
	// Status is the HTTP status code of the upstream response.
	Status int
	// Header holds the (rewritten) upstream response headers.
	Header http.Header
	// Body is the full response body.
	Body []byte
	// ContentType is the upstream Content-Type, kept separately so it
	// survives header rewriting.
	ContentType string
	// ETag and LastModified are the upstream validators, used for change
	// detection when body bytes are unavailable for comparison.
	ETag         string
	LastModified string
	// StoredAt is when the entry was written.
	StoredAt time.Time
	// Expires is the end of the entry's effective freshness window.
	Expires time.Time
}

// Fresh reports whether the entry is still within its freshness window.
func (e *Entry) Fresh() bool {
	return time.Now().Before(e.Expires)
}

// Size returns the approximate byte footprint of the entry, used for
// capacity accounting.
func (e *Entry) Size() int64 {
	size := int64(len(e.Body))
	for k, vv := range e.Header {
		size += int64(len(k))
		for _, v := range vv {
			size += int64(len(v))
		}
	}
	return size
}

// Key returns the normalized cache key for a request method and upstream URL.
func Key(method, url string) string {
	return method + ":" + url
}

func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e)
	return e, err
}
