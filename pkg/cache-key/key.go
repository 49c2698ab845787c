package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer derives the identity of a request in the cache.
// Only the method and the absolute URL take part in matching,
// no request headers are considered.
type CacheKeyer struct {
	// Origin that relative request URLs are resolved against.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// AbsoluteURL returns the absolute URL for the request.
// Requests in absolute form (forward proxy requests) keep their own host,
// all other requests are resolved against the origin.
func (c CacheKeyer) AbsoluteURL(r *http.Request) *url.URL {
	var u *url.URL
	if r.URL.IsAbs() {
		clone := *r.URL
		u = &clone
	} else if c.Origin != nil {
		u = c.Origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	} else {
		clone := *r.URL
		u = &clone
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return r.Method + methodSeparator + c.AbsoluteURL(r).String()
}

// KeyForURL returns the key of a GET request for the given (possibly relative) URL.
func (c CacheKeyer) KeyForURL(rawURL string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	return c.GetKey(req), nil
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
