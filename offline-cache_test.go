package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tasteknowledge/offline-cache/cache"
	serializer "github.com/tasteknowledge/offline-cache/pkg/response-serializer"
)

const (
	shellStore  = "tk-cache-v1"
	dataStore   = "tk-data-v1"
	offlinePath = "/pages/html/offline.html"
)

var testManifest = []string{"/", "/pages/css/home.css", offlinePath}

// origin is a test origin server counting the requests it receives per method and path.
type origin struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func startOrigin(t *testing.T, handler http.Handler) *origin {
	t.Helper()
	o := &origin{hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.RequestURI()]++
		o.mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *origin) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.hits {
		n += c
	}
	return n
}

// shellMux serves the shell manifest pages.
func shellMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "page %s", r.URL.Path)
	})
	mux.HandleFunc(offlinePath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("you are offline"))
	})
	return mux
}

func newTestManager(t *testing.T, o *origin, storage cache.Storage, modify ...func(*Config)) *Manager {
	t.Helper()
	u, err := url.Parse(o.URL)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.TraceLevel)
	config := Config{
		Storage:             storage,
		OriginURL:           *u,
		Logger:              &logger,
		ShellStore:          shellStore,
		DataStore:           dataStore,
		ShellManifest:       testManifest,
		ExclusionPrefixes:   []string{"/api/session", "/login", "/register"},
		OfflineFallbackPath: offlinePath,
	}
	for _, m := range modify {
		m(&config)
	}
	m, err := CreateManager(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Wait)
	return m
}

func installedManager(t *testing.T, o *origin, storage cache.Storage, modify ...func(*Config)) *Manager {
	t.Helper()
	m := newTestManager(t, o, storage, modify...)
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.Controlling() {
		t.Fatalf("Manager not controlling after install, state %s", m.State())
	}
	return m
}

func get(m *Manager, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
	return rr
}

func storedBody(t *testing.T, s cache.Storage, store, path string) (string, bool) {
	t.Helper()
	entry, ok, err := s.Match(context.Background(), store, "GET "+path)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return "", false
	}
	body, err := serializer.Body(entry.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	return string(body), true
}

func size(t *testing.T, s cache.Storage, store string) int {
	t.Helper()
	n, err := s.Size(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestExcludedPathsAreNeverStored(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"logged_in":true}`))
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)
	shellBefore, dataBefore := size(t, storage, shellStore), size(t, storage, dataStore)

	for i := 0; i < 2; i++ {
		if rr := get(m, "/api/session"); rr.Body.String() != `{"logged_in":true}` {
			t.Fatalf("Body is %s", rr.Body.String())
		}
	}
	if c := o.count("GET /api/session"); c != 2 {
		t.Fatalf("Origin called %d times", c)
	}
	// excluded pages too, even though they are not API paths
	get(m, "/login")
	if size(t, storage, shellStore) != shellBefore || size(t, storage, dataStore) != dataBefore {
		t.Fatal("Store size changed")
	}

	// offline, the failure is passed on
	o.Close()
	if rr := get(m, "/api/session"); rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestRevalidateMissStoresResponse(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/api/recipes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1}]`))
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)

	rr := get(m, "/api/recipes")

	if rr.Body.String() != `[{"id":1}]` {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if c := o.count("GET /api/recipes"); c != 1 {
		t.Fatalf("Origin called %d times", c)
	}
	if body, ok := storedBody(t, storage, dataStore, "/api/recipes"); !ok || body != `[{"id":1}]` {
		t.Fatalf("Stored body is %q (%v)", body, ok)
	}
	if n := size(t, storage, dataStore); n != 1 {
		t.Fatalf("Data store has %d entries", n)
	}
	if _, ok := storedBody(t, storage, shellStore, "/api/recipes"); ok {
		t.Fatal("API response stored in shell store")
	}
}

func TestRevalidateHitServesStaleAndRefreshes(t *testing.T) {
	var mu sync.Mutex
	recipes := `[{"id":1}]`
	mux := shellMux()
	mux.HandleFunc("/api/recipes", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Write([]byte(recipes))
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)

	get(m, "/api/recipes")
	mu.Lock()
	recipes = `[{"id":1},{"id":2}]`
	mu.Unlock()

	rr := get(m, "/api/recipes")
	if rr.Body.String() != `[{"id":1}]` {
		t.Fatalf("Body is %s, expected the stored response", rr.Body.String())
	}

	m.Wait()
	if c := o.count("GET /api/recipes"); c != 2 {
		t.Fatalf("Origin called %d times", c)
	}
	if body, _ := storedBody(t, storage, dataStore, "/api/recipes"); body != `[{"id":1},{"id":2}]` {
		t.Fatalf("Stored body is %s", body)
	}
	if rr := get(m, "/api/recipes"); rr.Body.String() != `[{"id":1},{"id":2}]` {
		t.Fatalf("Body is %s, expected the refreshed response", rr.Body.String())
	}
}

func TestRevalidateRefreshFailureKeepsStored(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/api/recipes/5", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":5}`))
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)
	get(m, "/api/recipes/5")

	o.Close()
	rr := get(m, "/api/recipes/5")
	m.Wait()

	if rr.Code != http.StatusOK || rr.Body.String() != `{"id":5}` {
		t.Fatalf("Got %d %s", rr.Code, rr.Body.String())
	}
	if body, _ := storedBody(t, storage, dataStore, "/api/recipes/5"); body != `{"id":5}` {
		t.Fatalf("Stored body is %s", body)
	}
}

func TestRevalidateMissOffline(t *testing.T) {
	o := startOrigin(t, shellMux())
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)

	o.Close()
	if rr := get(m, "/api/recipes"); rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
	if n := size(t, storage, dataStore); n != 0 {
		t.Fatalf("Data store has %d entries", n)
	}
}

func TestOnlySuccessIsStored(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/api/recipes/999", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("/pages/html/new.html", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("accepted"))
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)
	shellBefore := size(t, storage, shellStore)

	for i := 0; i < 2; i++ {
		if rr := get(m, "/api/recipes/999"); rr.Code != http.StatusNotFound {
			t.Fatalf("Status is %d", rr.Code)
		}
		if rr := get(m, "/pages/html/new.html"); rr.Code != http.StatusAccepted {
			t.Fatalf("Status is %d", rr.Code)
		}
	}

	if c := o.count("GET /api/recipes/999"); c != 2 {
		t.Fatalf("Origin called %d times", c)
	}
	if size(t, storage, dataStore) != 0 || size(t, storage, shellStore) != shellBefore {
		t.Fatal("Non-success response stored")
	}
}

func TestShellHitIsIdempotent(t *testing.T) {
	o := startOrigin(t, shellMux())
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)
	before := o.total()

	for i := 0; i < 2; i++ {
		if rr := get(m, "/pages/css/home.css"); rr.Body.String() != "page /pages/css/home.css" {
			t.Fatalf("Body is %s", rr.Body.String())
		}
	}

	if o.total() != before {
		t.Fatalf("Origin called %d times for stored shell asset", o.total()-before)
	}
}

func TestShellMissStoresResponse(t *testing.T) {
	o := startOrigin(t, shellMux())
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)

	get(m, "/pages/html/profile.html")
	rr := get(m, "/pages/html/profile.html")

	if rr.Body.String() != "page /pages/html/profile.html" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if c := o.count("GET /pages/html/profile.html"); c != 1 {
		t.Fatalf("Origin called %d times", c)
	}
	if _, ok := storedBody(t, storage, shellStore, "/pages/html/profile.html"); !ok {
		t.Fatal("Page not stored in shell store")
	}
}

func TestOfflineFallback(t *testing.T) {
	o := startOrigin(t, shellMux())
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)

	o.Close()
	rr := get(m, "/pages/html/home.html")

	if rr.Code != http.StatusOK || rr.Body.String() != "you are offline" {
		t.Fatalf("Got %d %s", rr.Code, rr.Body.String())
	}
	if _, ok := storedBody(t, storage, shellStore, "/pages/html/home.html"); ok {
		t.Fatal("Offline page stored for requested page")
	}
}

func TestOfflineFallbackMissing(t *testing.T) {
	o := startOrigin(t, shellMux())
	m := installedManager(t, o, cache.NewMemStorage(), func(c *Config) {
		c.ShellManifest = []string{"/"}
	})

	o.Close()
	if rr := get(m, "/pages/html/home.html"); rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestNavigationServerErrorFallsBack(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/pages/html/broken.html", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)

	nav := httptest.NewRequest("GET", "/pages/html/broken.html", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, nav)
	if rr.Body.String() != "you are offline" {
		t.Fatalf("Navigation got %d %s", rr.Code, rr.Body.String())
	}

	sub := httptest.NewRequest("GET", "/pages/html/broken.html", nil)
	sub.Header.Set("Sec-Fetch-Mode", "cors")
	rr = httptest.NewRecorder()
	m.ServeHTTP(rr, sub)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Subresource status is %d", rr.Code)
	}
	if _, ok := storedBody(t, storage, shellStore, "/pages/html/broken.html"); ok {
		t.Fatal("Error response stored")
	}
}

func TestNonGetBypassesCache(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/api/recipes/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s recipe 5", r.Method)
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)
	get(m, "/api/recipes/5")

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		m.ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/recipes/5", nil))
		if rr.Body.String() != "DELETE recipe 5" {
			t.Fatalf("Body is %s", rr.Body.String())
		}
	}

	if c := o.count("DELETE /api/recipes/5"); c != 2 {
		t.Fatalf("Origin called %d times", c)
	}
	if body, _ := storedBody(t, storage, dataStore, "/api/recipes/5"); body != "GET recipe 5" {
		t.Fatalf("Stored body is %s", body)
	}
	if n := size(t, storage, dataStore); n != 1 {
		t.Fatalf("Data store has %d entries", n)
	}
}

func TestCacheUpdateRefreshesStored(t *testing.T) {
	var mu sync.Mutex
	comments := 0
	mux := shellMux()
	mux.HandleFunc("/api/recipes/5", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, `{"id":5,"comments":%d}`, comments)
	})
	mux.HandleFunc("/api/recipes/5/comments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "nothing to do on get", http.StatusMethodNotAllowed)
			return
		}
		mu.Lock()
		comments++
		mu.Unlock()
		w.Header().Add("Cache-Update", "/api/recipes/5, /api/recipes/6, /api/session")
		w.WriteHeader(http.StatusCreated)
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)
	get(m, "/api/recipes/5")

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest("POST", "/api/recipes/5/comments", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Status is %d", rr.Code)
	}

	if body, _ := storedBody(t, storage, dataStore, "/api/recipes/5"); body != `{"id":5,"comments":1}` {
		t.Fatalf("Stored body is %s", body)
	}
	if o.count("GET /api/recipes/6") != 0 || o.count("GET /api/session") != 0 {
		t.Fatal("Updated a response that was not stored")
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	o := startOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))
	storage := cache.NewMemStorage()
	m := newTestManager(t, o, storage, func(c *Config) {
		c.ShellManifest = append(testManifest, "/missing.png")
	})

	err := m.Install(context.Background())

	if err == nil {
		t.Fatal("Install succeeded")
	}
	if m.State() != StateRedundant || m.Controlling() {
		t.Fatalf("State is %s", m.State())
	}
	if n := size(t, storage, shellStore); n != 0 {
		t.Fatalf("Shell store has %d entries", n)
	}
	if err := m.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Second install error is %v", err)
	}
	// not controlling: everything goes to the network
	before := o.count("GET /")
	get(m, "/")
	if o.count("GET /") != before+1 {
		t.Fatal("Request not forwarded")
	}
}

func TestActivatePurgesOldVersions(t *testing.T) {
	ctx := context.Background()
	o := startOrigin(t, shellMux())
	storage := cache.NewMemStorage()
	for _, store := range []string{"tk-cache-v0", "tk-data-v0", "unrelated", dataStore} {
		if err := storage.Put(ctx, store, cache.Entry{Key: "GET /", Bytes: []byte("HTTP/1.1 200 OK\r\n\r\n" + store)}); err != nil {
			t.Fatal(err)
		}
	}

	installedManager(t, o, storage)

	names, err := storage.Names(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != shellStore || names[1] != dataStore {
		t.Fatalf("Stores are %v", names)
	}
	if body, _ := storedBody(t, storage, dataStore, "/"); body != dataStore {
		t.Fatalf("Current data store changed: %s", body)
	}
}

func TestWaitForSkip(t *testing.T) {
	ctx := context.Background()
	o := startOrigin(t, shellMux())
	m := newTestManager(t, o, cache.NewMemStorage(), func(c *Config) {
		c.WaitForSkip = true
	})

	if err := m.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateInstalled || m.Controlling() {
		t.Fatalf("State is %s", m.State())
	}
	if err := m.Message(ctx, Message{Type: "RELOAD"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Error is %v", err)
	}
	if err := m.Message(ctx, Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateActivated || !m.Controlling() {
		t.Fatalf("State is %s", m.State())
	}
	// a second skip is harmless
	if err := m.Message(ctx, Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatal(err)
	}
}

func TestUncontrolledRequestsPassThrough(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/api/recipes", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := newTestManager(t, o, storage)

	if rr := get(m, "/api/recipes"); rr.Body.String() != `[]` {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if n := size(t, storage, dataStore); n != 0 {
		t.Fatalf("Data store has %d entries", n)
	}
}

// hang blocks until the client gives up on the request.
func hang(w http.ResponseWriter, r *http.Request) {
	<-r.Context().Done()
}

func TestFetchTimeoutServesOfflinePage(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/pages/html/hang.html", hang)
	o := startOrigin(t, mux)
	m := installedManager(t, o, cache.NewMemStorage(), func(c *Config) {
		c.FetchTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	rr := get(m, "/pages/html/hang.html")

	if rr.Code != http.StatusOK || rr.Body.String() != "you are offline" {
		t.Fatalf("Got %d %s", rr.Code, rr.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Timeout not applied, took %s", elapsed)
	}
}

func TestFetchTimeoutBoundsForwardedRequests(t *testing.T) {
	mux := shellMux()
	mux.HandleFunc("/api/session", hang)
	mux.HandleFunc("/api/recipes/5", hang)
	o := startOrigin(t, mux)
	m := installedManager(t, o, cache.NewMemStorage(), func(c *Config) {
		c.FetchTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	if rr := get(m, "/api/session"); rr.Code != http.StatusBadGateway {
		t.Fatalf("Bypass status is %d", rr.Code)
	}
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/recipes/5", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Passthrough status is %d", rr.Code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Timeout not applied, took %s", elapsed)
	}
}

func TestDelayedCacheUpdate(t *testing.T) {
	var mu sync.Mutex
	comments := 0
	mux := shellMux()
	mux.HandleFunc("/api/recipes/5", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, `{"id":5,"comments":%d}`, comments)
	})
	mux.HandleFunc("/api/recipes/5/comments", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		comments++
		mu.Unlock()
		w.Header().Add("Cache-Update", "/api/recipes/5; delay=1")
		w.WriteHeader(http.StatusCreated)
	})
	o := startOrigin(t, mux)
	storage := cache.NewMemStorage()
	m := installedManager(t, o, storage)
	get(m, "/api/recipes/5")

	m.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/recipes/5/comments", nil))

	if body, _ := storedBody(t, storage, dataStore, "/api/recipes/5"); body != `{"id":5,"comments":0}` {
		t.Fatalf("Updated before delay: %s", body)
	}
	m.Wait()
	if body, _ := storedBody(t, storage, dataStore, "/api/recipes/5"); body != `{"id":5,"comments":1}` {
		t.Fatalf("Stored body after delay is %s", body)
	}
	if c := o.count("GET /api/recipes/5"); c != 2 {
		t.Fatalf("Origin called %d times", c)
	}
}
