package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var delayRegexp = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Resource to refresh, resolved against the request URL.
	URL *url.URL
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// GetCacheUpdates gets the updates specified by the response to an unsafe request.
// The request URL is used in order to resolve potentially relative update paths.
// Responses to safe requests never trigger updates.
func GetCacheUpdates(req *http.Request, header http.Header) []CacheUpdate {
	if !UnsafeRequest(req) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, value := range header.Values("Cache-Update") {
		for _, update := range strings.Split(value, ",") {
			if u := getURL(req.URL, update); u != nil {
				updates = append(updates, CacheUpdate{URL: u, Delay: getDelay(update)})
			}
		}
	}
	return updates
}

// UnsafeRequest reports whether the request method is not safe (RFC 9110 9.2.1).
func UnsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// getURL returns the URL to update the cache for from the `Cache-Update` header parameter.
// The URL is the first parameter in the header value (separated by a semicolon).
func getURL(base *url.URL, update string) *url.URL {
	possiblyRelativeURL := strings.TrimSpace(update)
	if i := strings.Index(possiblyRelativeURL, ";"); i != -1 {
		possiblyRelativeURL = strings.TrimSpace(possiblyRelativeURL[:i])
	}
	if possiblyRelativeURL == "" {
		return nil
	}
	ref, err := url.Parse(possiblyRelativeURL)
	if err != nil {
		return nil
	}
	return base.ResolveReference(ref)
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayRegexp.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
