package cacheupdate

import (
	"net/http"
	"testing"
	"time"
)

func TestGetCacheUpdates(t *testing.T) {
	req, _ := http.NewRequest("POST", "http://origin/api/lawyers/7/rate", nil)
	header := http.Header{}
	header.Add("Cache-Update", "/api/lawyers?page=1; delay=2")
	header.Add("Cache-Update", "../7, /api/states")

	updates := GetCacheUpdates(req, header)
	if len(updates) != 3 {
		t.Fatalf("Got %d updates: %+v", len(updates), updates)
	}
	if u := updates[0]; u.URL.String() != "http://origin/api/lawyers?page=1" || u.Delay != 2*time.Second {
		t.Fatalf("First update is %s %s", u.URL, u.Delay)
	}
	if u := updates[1]; u.URL.String() != "http://origin/api/lawyers/7" || u.Delay != 0 {
		t.Fatalf("Second update is %s %s", u.URL, u.Delay)
	}
	if u := updates[2]; u.URL.String() != "http://origin/api/states" {
		t.Fatalf("Third update is %s", u.URL)
	}
}

func TestSafeRequestHasNoUpdates(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://origin/api/lawyers", nil)
	header := http.Header{"Cache-Update": []string{"/api/states"}}
	if updates := GetCacheUpdates(req, header); len(updates) != 0 {
		t.Fatalf("Got updates for GET: %+v", updates)
	}
}
