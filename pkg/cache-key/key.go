package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/shellcache/fetch"
)

const methodSeparator = ":"

// CacheKeyer builds request keys for an origin.
// A key is the request method and the absolute request URL, so that origin-relative
// and absolute-form requests for the same resource share an entry.
type CacheKeyer struct {
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// GetKey returns the cache key for the request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return r.Method + methodSeparator + fetch.Resolve(c.Origin, r.URL).String()
}

// GetRequestFromKey recreates a request equal, for caching purposes, to the one
// that produced key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(method, rawURL, nil)
}
