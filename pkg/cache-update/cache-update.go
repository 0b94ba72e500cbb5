package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Fully resolved relative path to the resource.
	// Equivalent to `url.URL.Path`.
	Path string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// GetCacheUpdates gets the updates requested by the response to a mutation.
// The incoming request is used in order to resolve potentially relative update paths.
// Responses to safe requests never trigger updates.
func GetCacheUpdates(req *http.Request, header http.Header) []CacheUpdate {
	if !unsafeMethod(req.Method) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, value := range header.Values("Cache-Update") {
		// a single header line may list several updates
		for _, update := range strings.Split(value, ",") {
			update = strings.TrimSpace(update)
			path := strings.TrimSpace(strings.Split(update, ";")[0])
			if path == "" {
				continue
			}
			updates = append(updates, CacheUpdate{
				Path:  getURL(req, path).Path,
				Delay: getDelay(update),
			})
		}
	}
	return updates
}

func unsafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// getURL resolves the (possibly relative) update path against the request URL.
func getURL(r *http.Request, path string) *url.URL {
	return r.URL.ResolveReference(&url.URL{Path: path})
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayDirective.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
