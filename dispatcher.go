package offlinecache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/cache"
)

// serveState names the dispatch states so the serve policy reads as the
// state machine it is.
type serveState int

const (
	stateResolve serveState = iota
	stateClassify
	stateCacheFirst
	stateNetworkFirst
	stateRespond
)

func (s serveState) String() string {
	switch s {
	case stateResolve:
		return "resolve"
	case stateClassify:
		return "classify"
	case stateCacheFirst:
		return "cache-first"
	case stateNetworkFirst:
		return "network-first"
	default:
		return "respond"
	}
}

// outcome is the terminal result of a dispatch: either a cached/fetched
// entry or a synthesized error response.
type outcome struct {
	status int
	entry  *cache.Entry
	body   string
	hit    bool
}

// dispatcher is the request-handling state machine. It converts every
// internal fault into an HTTP response; no fault escapes it.
type dispatcher struct {
	forwarder *forwarder
	refresher *refresher
	snapshot  func() resolverConfig
	log       zerolog.Logger
}

// ServeHTTP implements the http.Handler interface.
func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error().Interface("error", rec).Str("path", r.URL.Path).Msg("Panic in dispatch")
			writeOutcome(w, outcome{
				status: http.StatusInternalServerError,
				body:   "internal proxy error",
			})
		}
	}()
	out := d.dispatch(r)
	writeOutcome(w, out)
	d.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.RequestURI()).
		Int("status", out.status).
		Bool("hit", out.hit).
		Msg("Sending response to client")
}

// dispatch drives the state machine for one request:
// RESOLVE -> CLASSIFY -> {CACHE_FIRST | NETWORK_FIRST} -> RESPOND.
func (d *dispatcher) dispatch(r *http.Request) outcome {
	var (
		state    = stateResolve
		upstream *http.Request
	)
	for {
		switch state {
		case stateResolve:
			cfg := d.snapshot()
			resolved := Resolve(r.URL.RequestURI(), cfg.baseURL, cfg.pathSegment)
			parsed, err := url.Parse(resolved)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				d.log.Warn().Str("path", r.URL.RequestURI()).Str("resolved", resolved).Msg("Could not resolve upstream URL")
				return outcome{status: http.StatusBadRequest, body: "unresolvable request path"}
			}
			upstream = &http.Request{
				Method: r.Method,
				URL:    parsed,
				Header: r.Header,
				Body:   r.Body,
			}
			state = stateClassify

		case stateClassify:
			if isCacheableURL(upstream.URL.String()) {
				state = stateCacheFirst
			} else {
				state = stateNetworkFirst
			}

		case stateCacheFirst:
			return d.cacheFirst(upstream)

		case stateNetworkFirst:
			return d.networkFirst(upstream)
		}
	}
}

// cacheFirst serves cacheable requests: stored entry immediately (scheduling
// a background refresh), network on a cold cache, degraded failure responses
// only when both are unavailable.
func (d *dispatcher) cacheFirst(r *http.Request) outcome {
	url := r.URL.String()
	if entry, err := d.forwarder.fetch(r, CacheOnly); err == nil {
		// stale-while-revalidate: respond now, refresh out of band
		d.refresher.Submit(url, r.Header)
		return outcome{status: entry.Status, entry: &entry, hit: true}
	} else if !errors.Is(err, ErrCacheMiss) {
		d.log.Warn().Err(err).Str("url", url).Msg("Cache read failed")
	}

	entry, err := d.forwarder.fetch(r, NetworkOnly)
	if err == nil {
		return outcome{status: entry.Status, entry: &entry}
	}
	var offline *OfflineError
	if errors.As(err, &offline) {
		return outcome{
			status: http.StatusServiceUnavailable,
			body:   fmt.Sprintf("not available in cache: %s", url),
		}
	}
	d.log.Error().Err(err).Str("url", url).Msg("Upstream fetch failed")
	return outcome{status: http.StatusBadGateway, body: "could not reach origin"}
}

// networkFirst serves non-cacheable requests live, falling back to a stored
// copy only for offline-class failures.
func (d *dispatcher) networkFirst(r *http.Request) outcome {
	url := r.URL.String()
	entry, err := d.forwarder.fetch(r, NetworkOnly)
	if err == nil {
		return outcome{status: entry.Status, entry: &entry}
	}
	var offline *OfflineError
	if errors.As(err, &offline) {
		if fallback, cacheErr := d.forwarder.fetch(r, CacheOnly); cacheErr == nil {
			d.log.Debug().Str("url", url).Msg("Offline, serving cached fallback")
			return outcome{status: fallback.Status, entry: &fallback, hit: true}
		}
		return outcome{
			status: http.StatusServiceUnavailable,
			body:   fmt.Sprintf("not available in cache: %s", url),
		}
	}
	d.log.Error().Err(err).Str("url", url).Msg("Upstream fetch failed")
	return outcome{status: http.StatusBadGateway, body: "could not reach origin"}
}

// writeOutcome sends the outcome to the client. Upstream headers are copied
// verbatim, except the local hop always gets explicit no-store directives:
// the proxy is the cache, and the consuming rendering layer must not cache
// a second time.
func writeOutcome(w http.ResponseWriter, out outcome) {
	if out.entry != nil {
		copyHeader(w.Header(), out.entry.Header)
		if out.entry.ContentType != "" {
			w.Header().Set("Content-Type", out.entry.ContentType)
		}
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(out.status)
	if out.entry != nil {
		w.Write(out.entry.Body)
	} else if out.body != "" {
		fmt.Fprintln(w, out.body)
	}
}
