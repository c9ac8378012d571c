package offlinecache

import (
	"sync"

	"github.com/rs/zerolog"
)

// UpdateListener receives a callback when the cached content for a URL it
// subscribed to has changed.
//
// Listener values are compared with == on unregistration, so callers must
// pass the same (comparable) value to Register and Unregister.
type UpdateListener interface {
	CacheUpdated(url string)
}

// Hub is a per-URL subscriber registry. Multiple listeners may subscribe to
// the same URL. All operations are safe for concurrent use; publishing
// tolerates concurrent unsubscription.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]UpdateListener
	log  zerolog.Logger
}

func newHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string][]UpdateListener),
		log:  logger,
	}
}

// Register subscribes the listener to updates for url.
func (h *Hub) Register(url string, listener UpdateListener) {
	if listener == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[url] = append(h.subs[url], listener)
}

// Unregister removes the listener from the url's subscriber list.
// Removing the last listener deletes the url's registry entry.
// Unregistering a listener that was never registered is a no-op.
func (h *Hub) Unregister(url string, listener UpdateListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	listeners := h.subs[url]
	for i, l := range listeners {
		if l == listener {
			listeners = append(listeners[:i], listeners[i+1:]...)
			break
		}
	}
	if len(listeners) == 0 {
		delete(h.subs, url)
	} else {
		h.subs[url] = listeners
	}
}

// Publish notifies every listener currently registered for url.
// Publishing to a URL with no subscribers is a no-op, never an error.
func (h *Hub) Publish(url string) {
	h.mu.RLock()
	listeners := make([]UpdateListener, len(h.subs[url]))
	copy(listeners, h.subs[url])
	h.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	h.log.Debug().Str("url", url).Int("listeners", len(listeners)).Msg("Publishing cache update")
	for _, l := range listeners {
		l.CacheUpdated(url)
		notificationsSent.Inc()
	}
}
