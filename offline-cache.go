// Package offlinecache implements an embedded, offline-capable caching
// reverse proxy. It binds a loopback listener, resolves local request paths
// to a configured origin, serves cacheable content from a persistent store
// while revalidating in the background, and notifies subscribers when cached
// content changes.
package offlinecache

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/cache"
)

// Config configures a Proxy.
type Config struct {
	// Storage for cache entries.
	Cache cache.Provider
	// BaseURL is the origin root every local request resolves against.
	// It may be changed after construction with SetBaseURL.
	BaseURL string
	// BasePathSegment is the sub-path anchor used to re-anchor in-app
	// relative navigation (see Resolve).
	BasePathSegment string
	// FreshFor is the freshness window written for cacheable content.
	// Defaults to 10 minutes.
	FreshFor time.Duration
	// ShortFor is the freshness window for everything else.
	// Defaults to 1 minute.
	ShortFor time.Duration
	// CacheAll opportunistically stores responses for non-cacheable URLs
	// too, so they are available as offline fallbacks.
	CacheAll bool
	// UpstreamTimeout bounds each network fetch. Defaults to 30 seconds.
	UpstreamTimeout time.Duration
	// RefreshWorkers bounds the background refresh pool. Defaults to 4.
	RefreshWorkers int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy is the local caching reverse proxy.
type Proxy struct {
	log       zerolog.Logger
	cache     cache.Provider
	forwarder *forwarder
	refresher *refresher
	hub       *Hub
	handler   http.Handler

	resolver atomic.Pointer[resolverConfig]

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New creates a proxy instance. Call Start to bind the local listener.
func New(config Config) *Proxy {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("origin", config.BaseURL).Logger()

	if config.Cache == nil {
		config.Cache = cache.NewMemCache(0)
	}
	if config.FreshFor == 0 {
		config.FreshFor = 10 * time.Minute
	}
	if config.ShortFor == 0 {
		config.ShortFor = time.Minute
	}
	if config.UpstreamTimeout == 0 {
		config.UpstreamTimeout = 30 * time.Second
	}

	p := &Proxy{
		log:   logger,
		cache: config.Cache,
	}
	p.resolver.Store(&resolverConfig{
		baseURL:     config.BaseURL,
		pathSegment: config.BasePathSegment,
	})

	p.forwarder = newForwarder(
		config.Cache,
		config.UpstreamTimeout, config.FreshFor, config.ShortFor,
		config.CacheAll,
		logger.With().Str("component", "forwarder").Logger())
	p.hub = newHub(logger.With().Str("component", "hub").Logger())
	p.refresher = newRefresher(
		p.forwarder, p.hub, config.RefreshWorkers,
		logger.With().Str("component", "refresher").Logger())

	dispatch := &dispatcher{
		forwarder: p.forwarder,
		refresher: p.refresher,
		snapshot:  p.resolverSnapshot,
		log:       logger.With().Str("component", "dispatcher").Logger(),
	}

	r := chi.NewRouter()
	r.Route("/.offline-cache", func(r chi.Router) {
		r.Post("/refresh", p.handleForceRefresh)
		r.Post("/clear", p.handleClear)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})
	r.Handle("/*", dispatch)
	p.handler = r

	return p
}

func (p *Proxy) resolverSnapshot() resolverConfig {
	return *p.resolver.Load()
}

// Start binds a loopback ephemeral listener and begins serving. It is
// idempotent: calling it while running is a logged no-op. Faults are logged,
// not propagated, so a proxy failure cannot take the host application down.
func (p *Proxy) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		p.log.Info().Msg("Proxy already running")
		return
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		p.log.Error().Err(err).Msg("Could not bind local listener")
		return
	}
	p.listener = ln
	p.server = &http.Server{Handler: p.handler}
	p.log.Info().Str("addr", ln.Addr().String()).Msg("Proxy listening")
	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Error().Err(err).Msg("Proxy server stopped")
		}
	}(p.server, ln)
}

// Stop releases the listener. It is idempotent: calling it while stopped is
// a logged no-op. In-flight requests may complete or be abandoned, but no
// new connections are accepted after Stop returns.
func (p *Proxy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		p.log.Info().Msg("Proxy not running")
		return
	}
	if err := p.server.Close(); err != nil {
		p.log.Error().Err(err).Msg("Error closing proxy server")
	}
	p.listener = nil
	p.server = nil
	p.log.Info().Msg("Proxy stopped")
}

// ProxyURL returns the local base URL, or "" when the proxy is not running.
func (p *Proxy) ProxyURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return fmt.Sprintf("http://%s", p.listener.Addr().String())
}

// SetBaseURL changes the origin root for subsequent requests. Takes effect
// immediately, no restart required.
func (p *Proxy) SetBaseURL(baseURL string) {
	cfg := *p.resolver.Load()
	cfg.baseURL = baseURL
	p.resolver.Store(&cfg)
	p.log.Info().Str("baseUrl", baseURL).Msg("Base URL updated")
}

// SetBasePathSegment changes the sub-path anchor for subsequent requests.
func (p *Proxy) SetBasePathSegment(segment string) {
	cfg := *p.resolver.Load()
	cfg.pathSegment = segment
	p.resolver.Store(&cfg)
	p.log.Info().Str("pathSegment", segment).Msg("Base path segment updated")
}

// RegisterCacheUpdateListener subscribes the listener to change
// notifications for url.
func (p *Proxy) RegisterCacheUpdateListener(url string, listener UpdateListener) {
	p.hub.Register(url, listener)
}

// UnregisterCacheUpdateListener removes a previously registered listener.
func (p *Proxy) UnregisterCacheUpdateListener(url string, listener UpdateListener) {
	p.hub.Unregister(url, listener)
}

// ClearCache asynchronously deletes all cached content. Best effort:
// failures are logged, and there is no completion signal.
func (p *Proxy) ClearCache() {
	go func() {
		if err := p.cache.Clear(); err != nil {
			p.log.Error().Err(err).Msg("Could not clear cache")
			return
		}
		p.log.Info().Msg("Cache cleared")
	}()
}

// ForceCacheRefresh triggers a background refresh for url, equivalent to the
// refresh scheduled after a cache hit. Relative paths are resolved against
// the current base URL first.
func (p *Proxy) ForceCacheRefresh(url string) {
	if !strings.Contains(url, "://") {
		cfg := p.resolverSnapshot()
		url = Resolve(url, cfg.baseURL, cfg.pathSegment)
	}
	p.refresher.Submit(url, nil)
}

// Close stops the listener and waits for background refreshes to drain.
// The cache provider is left open; it belongs to the caller.
func (p *Proxy) Close() {
	p.Stop()
	p.refresher.Close()
}

func (p *Proxy) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	p.ForceCacheRefresh(url)
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "refresh scheduled")
}

func (p *Proxy) handleClear(w http.ResponseWriter, r *http.Request) {
	p.ClearCache()
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "clearing cache")
}
