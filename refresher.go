package offlinecache

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/offline-cache/offline-cache/cache"
)

// refresher re-fetches URLs from the network in the background, compares the
// result against the stored entry and publishes a change notification when
// content differs.
//
// Refreshes are single-flight per URL: a submission for a URL already being
// refreshed is a silent no-op, not queued. Tasks run on a bounded worker
// pool so a burst of cache hits cannot spawn unbounded goroutines.
type refresher struct {
	forwarder *forwarder
	hub       *Hub
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	tasks errgroup.Group
}

func newRefresher(f *forwarder, hub *Hub, workers int, logger zerolog.Logger) *refresher {
	if workers <= 0 {
		workers = 4
	}
	r := &refresher{
		forwarder: f,
		hub:       hub,
		log:       logger,
		inflight:  make(map[string]struct{}),
	}
	r.tasks.SetLimit(workers)
	return r
}

// Submit schedules a background refresh for url. It returns false when the
// submission was dropped: either a refresh for the url is already in flight
// or the worker pool is saturated. A refresh failure never surfaces to the
// caller; it only gets logged.
//
// The request header is cloned at submission time, so the task works on an
// immutable snapshot regardless of what the caller does afterwards.
func (r *refresher) Submit(url string, header http.Header) bool {
	r.mu.Lock()
	if _, ok := r.inflight[url]; ok {
		r.mu.Unlock()
		refreshesDeduplicated.Inc()
		return false
	}
	r.inflight[url] = struct{}{}
	r.mu.Unlock()

	snapshot := header.Clone()
	started := r.tasks.TryGo(func() error {
		defer r.release(url)
		r.refresh(url, snapshot)
		return nil
	})
	if !started {
		r.release(url)
		r.log.Debug().Str("url", url).Msg("Refresh pool saturated, dropping refresh")
		return false
	}
	refreshesStarted.Inc()
	return true
}

func (r *refresher) release(url string) {
	r.mu.Lock()
	delete(r.inflight, url)
	r.mu.Unlock()
}

// refresh performs one refresh cycle for url. All failures are terminal and
// local: logged, never propagated, never retried.
func (r *refresher) refresh(url string, header http.Header) {
	log := r.log.With().Str("url", url).Logger()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Error().Err(err).Msg("Could not create refresh request")
		return
	}
	copyHeader(req.Header, header)

	// baseline for comparison; absence is fine, it just means there is
	// nothing to compare against
	prior, priorErr := r.forwarder.fetch(req, CacheOnly)
	hasBaseline := priorErr == nil

	// force no-cache on the outgoing request so no intermediate layer can
	// short-circuit the check
	netReq := req.Clone(req.Context())
	netReq.Header.Set("Cache-Control", "no-cache")
	fresh, err := r.forwarder.fetch(netReq, NetworkOnly)
	if err != nil {
		log.Debug().Err(err).Msg("Background refresh failed")
		return
	}

	if !hasBaseline {
		log.Trace().Msg("No prior entry, refresh stored first copy")
		return
	}
	if !contentChanged(prior, fresh) {
		log.Trace().Msg("Content unchanged")
		return
	}

	// the forced no-cache fetch already stored the fresh entry under the
	// standard freshness policy, so the store is guaranteed current here
	changesDetected.Inc()
	log.Debug().Msg("Content changed, notifying listeners")
	r.hub.Publish(url)
}

// contentChanged compares body bytes exactly when both are available and
// falls back to comparing validators otherwise.
func contentChanged(prior, fresh cache.Entry) bool {
	if prior.Body != nil && fresh.Body != nil {
		return !bytes.Equal(prior.Body, fresh.Body)
	}
	if prior.ETag != "" || fresh.ETag != "" {
		return prior.ETag != fresh.ETag
	}
	return prior.LastModified != fresh.LastModified
}

// Close waits for in-flight refresh tasks to finish.
func (r *refresher) Close() {
	r.tasks.Wait()
}
