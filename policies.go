package offlinecache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tasteknowledge/offline-cache/cache"
	cacheupdate "github.com/tasteknowledge/offline-cache/pkg/cache-update"
	serializer "github.com/tasteknowledge/offline-cache/pkg/response-serializer"
	tee "github.com/tasteknowledge/offline-cache/pkg/response-writer-tee"
)

// staleWhileRevalidate serves API data from the data store immediately,
// then updates the stored response in the background without blocking.
// Without a stored response the network result (or failure) goes straight to the client.
func (a *Manager) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	key, _ := a.keyer.GetKey(r)
	if res, ok := a.lookup(r, a.dataStore, key); ok {
		a.refreshInBackground(r, a.dataStore, key)
		a.send(w, r, res, statusHit(ClassRevalidate))
		return
	}

	cs := statusFwd(ClassRevalidate, fwdMiss)
	rw, err := a.fetch(r.Context(), r)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Network unavailable and nothing stored")
		cs.Detail = "network"
		a.fail(w, r, cs)
		return
	}
	cs.Stored = a.store(r, a.dataStore, key, rw)
	a.sendRecorded(w, r, rw, cs)
}

// cacheFirst serves the application shell from the shell store.
// Misses are fetched and stored; when the network fails the offline page is served.
func (a *Manager) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key, _ := a.keyer.GetKey(r)
	if res, ok := a.lookup(r, a.shellStore, key); ok {
		a.send(w, r, res, statusHit(ClassShell))
		return
	}

	cs := statusFwd(ClassShell, fwdMiss)
	rw, err := a.fetch(r.Context(), r)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Network unavailable, serving offline page")
		a.offlineFallback(w, r, cs)
		return
	}
	// a broken origin is as good as no origin for page loads
	if isNavigation(r) && rw.StatusCode() >= http.StatusInternalServerError {
		a.log.Warn().Int("code", rw.StatusCode()).Str("key", key).Msg("Origin error on navigation, serving offline page")
		a.offlineFallback(w, r, cs)
		return
	}
	cs.Stored = a.store(r, a.shellStore, key, rw)
	a.sendRecorded(w, r, rw, cs)
}

// offlineFallback sends the offline page from the shell store.
// If it is not stored, the failure is reported to the client.
func (a *Manager) offlineFallback(w http.ResponseWriter, r *http.Request, cs cacheStatus) {
	if a.offlinePath != "" {
		if res, ok := a.lookup(r, a.shellStore, a.keyer.KeyForURI(a.offlinePath)); ok {
			cs.Offline = true
			a.send(w, r, res, cs)
			return
		}
	}
	a.log.Error().Str("path", a.offlinePath).Msg("Offline page not stored")
	cs.Detail = "network"
	a.fail(w, r, cs)
}

// passthrough forwards a mutation to the origin.
// Nothing about it is stored, but its response may ask for stored responses to be refreshed.
func (a *Manager) passthrough(w http.ResponseWriter, r *http.Request) {
	rw := a.forward(w, r, statusFwd(a.classifier.Classify(r.URL.Path), fwdMethod))
	if rw.Err() != nil {
		return
	}
	a.saveUpdates(r, cacheupdate.GetCacheUpdates(r, rw.Header()))
}

// saveUpdates refreshes the stored responses listed in `Cache-Update` headers.
// Paths that are not currently stored are left alone.
func (a *Manager) saveUpdates(r *http.Request, updates []cacheupdate.CacheUpdate) {
	for _, update := range updates {
		var store string
		switch a.classifier.Classify(update.Path) {
		case ClassRevalidate:
			store = a.dataStore
		case ClassShell:
			store = a.shellStore
		default:
			a.log.Trace().Str("update", update.Path).Msg("Not updating excluded path")
			continue
		}
		req, err := http.NewRequestWithContext(context.WithoutCancel(r.Context()), http.MethodGet, update.Path, nil)
		if err != nil {
			a.log.Error().Err(err).Str("path", update.Path).Msg("Could not create request for updates")
			continue
		}
		// the refreshed response must be the one the same user would see
		for _, name := range []string{"Cookie", "Authorization"} {
			if v := r.Header.Values(name); len(v) > 0 {
				req.Header[name] = v
			}
		}
		key := a.keyer.KeyForURI(req.URL.RequestURI())
		a.log.Trace().Str("update", update.Path).Dur("delay", update.Delay).Msg("Updating stored response based on header")
		if update.Delay > 0 {
			a.background.Add(1)
			go func() {
				defer a.background.Done()
				time.Sleep(update.Delay)
				a.refreshIfStored(req, store, key)
			}()
		} else {
			a.refreshIfStored(req, store, key)
		}
	}
}

func (a *Manager) refreshIfStored(r *http.Request, store, key string) {
	_, ok, err := a.storage.Match(r.Context(), store, key)
	if err != nil {
		a.log.Warn().Err(err).Str("store", store).Str("key", key).Msg("Could not read from store")
		return
	}
	if ok {
		a.refresh(r, store, key)
	}
}

// refreshInBackground launches a detached refresh of a stored response.
// The client request may be gone by the time it runs; its outcome is only visible in the store.
func (a *Manager) refreshInBackground(r *http.Request, store, key string) {
	req := r.Clone(context.WithoutCancel(r.Context()))
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		defer func() {
			if err := recover(); err != nil {
				a.log.Error().Interface("error", err).Str("key", key).Msg("Panic in background refresh")
			}
		}()
		a.refresh(req, store, key)
	}()
}

// refresh fetches the request and overwrites the stored response if the new one may be stored.
// Network failures are logged and otherwise ignored, the stored response stays in place.
func (a *Manager) refresh(r *http.Request, store, key string) bool {
	ctx := r.Context()
	rw, err := a.fetch(ctx, r)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Network unavailable, keeping stored response")
		a.metrics.recordRefresh(ctx, store, "error")
		return false
	}
	if !a.store(r, store, key, rw) {
		a.metrics.recordRefresh(ctx, store, "skipped")
		return false
	}
	a.log.Trace().Str("store", store).Str("key", key).Msg("Refreshed stored response")
	a.metrics.recordRefresh(ctx, store, "updated")
	return true
}

// lookup returns the stored response for key, if any.
// Unreadable entries count as misses.
func (a *Manager) lookup(r *http.Request, store, key string) (*http.Response, bool) {
	entry, ok, err := a.storage.Match(r.Context(), store, key)
	if err != nil {
		a.log.Warn().Err(err).Str("store", store).Str("key", key).Msg("Could not read from store")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		a.log.Error().Err(err).Str("store", store).Str("key", key).Msg("Could not read stored response")
		return nil, false
	}
	return res, true
}

// store writes the recorded response to the store if it may be stored.
// It reports whether the entry was written.
func (a *Manager) store(r *http.Request, store, key string, rw *tee.ResponseSaver) bool {
	if !a.storable(r, rw) {
		a.log.Trace().Str("key", key).Int("code", rw.StatusCode()).Msg("Non-storable response")
		return false
	}
	err := a.storage.Put(r.Context(), store, cache.Entry{
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    rw.Response(),
	})
	if err != nil {
		a.log.Error().Err(err).Str("store", store).Str("key", key).Msg("Could not write to store")
		return false
	}
	a.log.Trace().Str("store", store).Str("key", key).Msg("Store write")
	return true
}

// storable reports whether a response is a successful same-origin GET response.
// Requests in absolute form naming another host are proxied like any other,
// but their responses are never stored.
func (a *Manager) storable(r *http.Request, rw *tee.ResponseSaver) bool {
	if r.Method != http.MethodGet || rw.StatusCode() != http.StatusOK {
		return false
	}
	return r.URL.Host == "" || r.URL.Host == r.Host || r.URL.Host == a.originHost
}

// isNavigation reports whether the request loads a page, as opposed to a subresource.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
