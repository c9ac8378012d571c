package offlinecache

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/cache"
)

// FetchMode selects how a request is satisfied.
type FetchMode int

const (
	// CacheOnly returns the stored entry or fails with ErrCacheMiss.
	CacheOnly FetchMode = iota
	// NetworkOnly always performs a live request, storing the result.
	NetworkOnly
	// Normal is cache-then-network, used for supporting operations only.
	Normal
)

// ErrCacheMiss signals that no entry is stored for the normalized request.
// It is an internal signal, never exposed as an HTTP status of its own.
var ErrCacheMiss = errors.New("not stored in cache")

// OfflineError indicates the origin is unreachable: DNS resolution or
// connection establishment failed. The dispatcher falls back to the cache
// on this class of error.
type OfflineError struct {
	URL string
	Err error
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("origin unreachable for %s: %v", e.URL, e.Err)
}

func (e *OfflineError) Unwrap() error { return e.Err }

// GatewayError indicates the origin was reachable but the exchange failed:
// timeouts, protocol errors, body read failures.
type GatewayError struct {
	URL string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("upstream failure for %s: %v", e.URL, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// cacheableExtensions is the fixed set of file suffixes classified as
// static, cache-friendly content.
var cacheableExtensions = map[string]struct{}{
	".js": {}, ".mjs": {}, ".css": {},
	".html": {}, ".htm": {}, ".xhtml": {},
	".svg": {}, ".png": {}, ".jpg": {}, ".jpeg": {},
	".gif": {}, ".webp": {}, ".ico": {}, ".bmp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
}

// isCacheableURL reports whether the URL's extension is in the cacheable set.
func isCacheableURL(rawurl string) bool {
	trimmed := rawurl
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	ext := strings.ToLower(path.Ext(trimmed))
	_, ok := cacheableExtensions[ext]
	return ok
}

// forwarder executes requests against the cache store or the network and
// rewrites response freshness before storage.
type forwarder struct {
	cache    cache.Provider
	client   *http.Client
	log      zerolog.Logger
	freshFor time.Duration
	shortFor time.Duration
	cacheAll bool
}

func newForwarder(store cache.Provider, timeout, freshFor, shortFor time.Duration, cacheAll bool, logger zerolog.Logger) *forwarder {
	return &forwarder{
		cache: store,
		client: &http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:      logger,
		freshFor: freshFor,
		shortFor: shortFor,
		cacheAll: cacheAll,
	}
}

// fetch satisfies the request in the given mode. The request URL must be the
// resolved upstream URL.
func (f *forwarder) fetch(r *http.Request, mode FetchMode) (cache.Entry, error) {
	key := cache.Key(r.Method, r.URL.String())
	switch mode {
	case CacheOnly:
		return f.fromCache(key)
	case NetworkOnly:
		return f.fromNetwork(r, key)
	default:
		if entry, err := f.fromCache(key); err == nil {
			return entry, nil
		}
		return f.fromNetwork(r, key)
	}
}

func (f *forwarder) fromCache(key string) (cache.Entry, error) {
	entry, ok, err := f.cache.Get(key)
	if err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		cacheMisses.Inc()
		return cache.Entry{}, ErrCacheMiss
	}
	if !ok {
		cacheMisses.Inc()
		return cache.Entry{}, ErrCacheMiss
	}
	cacheHits.Inc()
	return entry, nil
}

func (f *forwarder) fromNetwork(r *http.Request, key string) (cache.Entry, error) {
	req, err := http.NewRequest(r.Method, r.URL.String(), r.Body)
	if err != nil {
		return cache.Entry{}, &GatewayError{URL: r.URL.String(), Err: err}
	}
	copyHeader(req.Header, r.Header)
	// the proxy rewrites addressing, so the local Host must not leak upstream
	req.Host = ""
	req.Header.Del("Host")
	req.Header.Del("Connection")

	start := time.Now()
	res, err := f.client.Do(req)
	upstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return cache.Entry{}, classifyNetworkError(r.URL.String(), err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		upstreamErrors.WithLabelValues("gateway").Inc()
		return cache.Entry{}, &GatewayError{URL: r.URL.String(), Err: err}
	}

	entry := cache.Entry{
		Status:       res.StatusCode,
		Header:       res.Header.Clone(),
		Body:         body,
		ContentType:  res.Header.Get("Content-Type"),
		ETag:         res.Header.Get("ETag"),
		LastModified: res.Header.Get("Last-Modified"),
		StoredAt:     time.Now(),
	}
	entry.Header.Del("Content-Length")
	f.rewriteFreshness(&entry, r.URL.String())

	if isCacheableURL(r.URL.String()) || f.cacheAll {
		if err := f.cache.Put(key, entry); err != nil {
			f.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		}
	}
	return entry, nil
}

// rewriteFreshness overwrites the upstream cache-control header with the
// proxy's own freshness window. Most origins mark dynamic-looking paths as
// non-cacheable, which would defeat offline support, so upstream no-cache
// directives are deliberately stripped.
func (f *forwarder) rewriteFreshness(entry *cache.Entry, rawurl string) {
	window := f.shortFor
	if isCacheableURL(rawurl) {
		window = f.freshFor
	}
	entry.Header.Del("Pragma")
	entry.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", int(window.Seconds())))
	entry.Expires = entry.StoredAt.Add(window)
}

// classifyNetworkError separates offline-class failures (origin unreachable)
// from other upstream failures. The dispatcher's fallback policy differs
// between the two.
func classifyNetworkError(url string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		upstreamErrors.WithLabelValues("offline").Inc()
		return &OfflineError{URL: url, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		upstreamErrors.WithLabelValues("offline").Inc()
		return &OfflineError{URL: url, Err: err}
	}
	upstreamErrors.WithLabelValues("gateway").Inc()
	return &GatewayError{URL: url, Err: err}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
