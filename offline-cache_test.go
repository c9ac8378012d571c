package offlinecache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/cache"
)

func testProxy(t *testing.T, origin string, store cache.Provider) *Proxy {
	t.Helper()
	logger := zerolog.Nop()
	p := New(Config{
		Cache:   store,
		BaseURL: origin,
		Logger:  &logger,
	})
	t.Cleanup(p.Close)
	return p
}

func TestStartStopLifecycle(t *testing.T) {
	p := testProxy(t, "https://o.test", cache.NewMemCache(0))

	if url := p.ProxyURL(); url != "" {
		t.Fatalf("proxy URL before start: %s", url)
	}

	p.Start()
	url := p.ProxyURL()
	if !strings.HasPrefix(url, "http://127.0.0.1:") {
		t.Fatalf("proxy URL is %s", url)
	}

	// idempotent start keeps the same address
	p.Start()
	if again := p.ProxyURL(); again != url {
		t.Fatalf("second start changed URL: %s -> %s", url, again)
	}

	p.Stop()
	if url := p.ProxyURL(); url != "" {
		t.Fatalf("proxy URL after stop: %s", url)
	}
	// second stop is a no-op
	p.Stop()
}

func TestEndToEndThroughListener(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer origin.Close()

	p := testProxy(t, origin.URL, cache.NewMemCache(0))
	p.Start()
	defer p.Stop()

	res, err := http.Get(p.ProxyURL() + "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("got %d %s", res.StatusCode, body)
	}
}

func TestStopRefusesNewConnections(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()

	p := testProxy(t, origin.URL, cache.NewMemCache(0))
	p.Start()
	url := p.ProxyURL()
	p.Stop()

	if _, err := http.Get(url + "/index.html"); err == nil {
		t.Fatal("listener still accepting after stop")
	}
}

func TestSetBaseURLTakesEffectImmediately(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first"))
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("second"))
	}))
	defer second.Close()

	p := testProxy(t, first.URL, cache.NewMemCache(0))
	p.Start()
	defer p.Stop()

	res, err := http.Get(p.ProxyURL() + "/api/one")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if string(body) != "first" {
		t.Fatalf("body is %s", body)
	}

	p.SetBaseURL(second.URL)
	res, err = http.Get(p.ProxyURL() + "/api/two")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	if string(body) != "second" {
		t.Fatalf("body is %s", body)
	}
}

func TestForceCacheRefresh(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("warmed"))
	}))
	defer origin.Close()

	store := cache.NewMemCache(0)
	p := testProxy(t, origin.URL, store)

	// relative paths resolve against the current base URL
	p.ForceCacheRefresh("/deep/page.html")

	key := cache.Key("GET", origin.URL+"/deep/page.html")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := store.Get(key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("forced refresh did not warm the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClearCache(t *testing.T) {
	store := cache.NewMemCache(0)
	key := cache.Key("GET", "https://o.test/a.js")
	store.Put(key, cache.Entry{Status: 200, Body: []byte("x")})

	p := testProxy(t, "https://o.test", store)
	p.ClearCache()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := store.Get(key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache not cleared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControlRefreshEndpoint(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("warmed"))
	}))
	defer origin.Close()

	store := cache.NewMemCache(0)
	p := testProxy(t, origin.URL, store)
	p.Start()
	defer p.Stop()

	res, err := http.Post(p.ProxyURL()+"/.offline-cache/refresh?url=/page.html", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status is %d", res.StatusCode)
	}

	key := cache.Key("GET", origin.URL+"/page.html")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := store.Get(key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refresh endpoint did not warm the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	p := testProxy(t, "https://o.test", cache.NewMemCache(0))
	p.Start()
	defer p.Stop()

	res, err := http.Get(p.ProxyURL() + "/.offline-cache/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), "offline_cache") {
		t.Fatal("metrics output missing proxy metrics")
	}
}

func TestListenerRegistrationThroughProxy(t *testing.T) {
	content := "v1"
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer origin.Close()

	store := cache.NewMemCache(0)
	p := testProxy(t, origin.URL, store)
	url := origin.URL + "/page.html"

	// warm the baseline, then subscribe and change the content
	p.ForceCacheRefresh(url)
	key := cache.Key("GET", url)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := store.Get(key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("baseline refresh did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	listener := &recordingListener{}
	p.RegisterCacheUpdateListener(url, listener)
	content = "v2"
	p.ForceCacheRefresh(url)

	deadline = time.Now().Add(2 * time.Second)
	for listener.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never notified")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if listener.count() != 1 {
		t.Fatalf("listener notified %d times", listener.count())
	}

	p.UnregisterCacheUpdateListener(url, listener)
	content = "v3"
	p.ForceCacheRefresh(url)
	time.Sleep(200 * time.Millisecond)
	if listener.count() != 1 {
		t.Fatalf("unregistered listener notified, count %d", listener.count())
	}
}
