package offlinecache

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/cache"
)

type recordingListener struct {
	mu   sync.Mutex
	urls []string
}

func (l *recordingListener) CacheUpdated(url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, url)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.urls)
}

func testRefresher(store cache.Provider) (*refresher, *forwarder, *Hub) {
	f := newForwarder(store, 5*time.Second, 10*time.Minute, time.Minute, false, zerolog.Nop())
	hub := newHub(zerolog.Nop())
	return newRefresher(f, hub, 4, zerolog.Nop()), f, hub
}

func TestRefreshSingleFlight(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		<-release
		w.Write([]byte("content"))
	}))
	defer origin.Close()

	r, _, _ := testRefresher(cache.NewMemCache(0))
	url := origin.URL + "/app.js"

	if !r.Submit(url, nil) {
		t.Fatal("first submission not accepted")
	}
	// wait for the first task to actually reach the origin
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&fetches) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refresh task never fetched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a concurrent submission for the same URL is a silent no-op
	if r.Submit(url, nil) {
		t.Fatal("duplicate submission was accepted")
	}

	close(release)
	r.Close()

	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("origin fetched %d times", n)
	}
}

func TestRefreshResubmitAfterCompletion(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	}))
	defer origin.Close()

	r, _, _ := testRefresher(cache.NewMemCache(0))
	url := origin.URL + "/app.js"

	if !r.Submit(url, nil) {
		t.Fatal("first submission not accepted")
	}
	r.Close()
	// the in-flight marker must be released on completion
	if !r.Submit(url, nil) {
		t.Fatal("submission after completion not accepted")
	}
	r.Close()
}

func TestRefreshNotifiesOnChange(t *testing.T) {
	content := "before"
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer origin.Close()

	store := cache.NewMemCache(0)
	r, f, hub := testRefresher(store)
	url := origin.URL + "/page.html"

	// warm the cache with the baseline
	if _, err := f.fetch(mustRequest(t, "GET", url), NetworkOnly); err != nil {
		t.Fatal(err)
	}

	listener := &recordingListener{}
	other := &recordingListener{}
	hub.Register(url, listener)
	hub.Register(url, other)

	content = "after"
	if !r.Submit(url, nil) {
		t.Fatal("submission not accepted")
	}
	r.Close()

	if listener.count() != 1 || other.count() != 1 {
		t.Fatalf("notification counts: %d, %d", listener.count(), other.count())
	}

	// the store must now hold the fresh entry
	entry, err := f.fetch(mustRequest(t, "GET", url), CacheOnly)
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Body) != "after" {
		t.Fatalf("cached body is %s", entry.Body)
	}
}

func TestRefreshSilentWhenUnchanged(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("same"))
	}))
	defer origin.Close()

	store := cache.NewMemCache(0)
	r, f, hub := testRefresher(store)
	url := origin.URL + "/page.html"

	if _, err := f.fetch(mustRequest(t, "GET", url), NetworkOnly); err != nil {
		t.Fatal(err)
	}
	listener := &recordingListener{}
	hub.Register(url, listener)

	if !r.Submit(url, nil) {
		t.Fatal("submission not accepted")
	}
	r.Close()

	if listener.count() != 0 {
		t.Fatalf("got %d notifications for unchanged content", listener.count())
	}
}

func TestRefreshNoBaselineNoNotification(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first copy"))
	}))
	defer origin.Close()

	r, f, hub := testRefresher(cache.NewMemCache(0))
	url := origin.URL + "/page.html"

	listener := &recordingListener{}
	hub.Register(url, listener)

	if !r.Submit(url, nil) {
		t.Fatal("submission not accepted")
	}
	r.Close()

	// no prior entry means nothing to compare against, but the first copy
	// must end up stored
	if listener.count() != 0 {
		t.Fatalf("got %d notifications without a baseline", listener.count())
	}
	if _, err := f.fetch(mustRequest(t, "GET", url), CacheOnly); err != nil {
		t.Fatalf("first copy not stored: %v", err)
	}
}

func TestRefreshFailureIsSilent(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := origin.URL + "/page.html"
	origin.Close()

	r, _, hub := testRefresher(cache.NewMemCache(0))
	listener := &recordingListener{}
	hub.Register(url, listener)

	if !r.Submit(url, nil) {
		t.Fatal("submission not accepted")
	}
	r.Close()

	if listener.count() != 0 {
		t.Fatalf("got %d notifications from a failed refresh", listener.count())
	}
	// and the marker must be released
	if !r.Submit(url, nil) {
		t.Fatal("marker not released after failure")
	}
	r.Close()
}
