package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")
var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = " "

// CacheKeyer derives store keys from requests.
// A key is the request method and the request URI (path and query), e.g. `GET /api/recipes?page=2`.
// Scheme and host are left out, since a cache manager instance only ever fronts a single origin.
type CacheKeyer struct{}

func NewCacheKeyer() CacheKeyer {
	return CacheKeyer{}
}

// GetKey returns the store key for a request.
// Only GET requests have keys, since nothing else is ever stored.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.KeyForURI(r.URL.RequestURI()), nil
}

// KeyForURI returns the key of a GET request for the given request URI.
func (c CacheKeyer) KeyForURI(uri string) string {
	return http.MethodGet + methodSeparator + uri
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || uri == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
