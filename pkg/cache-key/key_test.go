package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func keyer() CacheKeyer {
	origin, _ := url.Parse("http://origin.localhost:5000")
	return NewCacheKeyer(origin)
}

func TestRequestFromKey(t *testing.T) {
	keygen := keyer()
	r, _ := http.NewRequest("GET", "/page?x=1", nil)
	key := keygen.GetKey(r)
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://origin.localhost:5000/page?x=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestRelativeAndAbsoluteOriginRequestsMatch(t *testing.T) {
	keygen := keyer()
	rel, _ := http.NewRequest("GET", "/static/style.css", nil)
	abs, _ := http.NewRequest("GET", "http://origin.localhost:5000/static/style.css#top", nil)
	if keygen.GetKey(rel) != keygen.GetKey(abs) {
		t.Fatalf("Keys differ: %s vs %s", keygen.GetKey(rel), keygen.GetKey(abs))
	}
}

func TestThirdPartyKeepsHost(t *testing.T) {
	keygen := keyer()
	key, err := keygen.KeyForURL("https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css")
	if err != nil {
		t.Fatal(err)
	}
	if key != "GET:https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css" {
		t.Fatalf("Key is %s", key)
	}
}

func TestPostKeyNotReversible(t *testing.T) {
	keygen := keyer()
	r, _ := http.NewRequest("POST", "/api/rate", nil)
	if _, err := keygen.GetRequestFromKey(keygen.GetKey(r)); err != ErrorMethodNotSupported {
		t.Fatalf("Expected ErrorMethodNotSupported, got %v", err)
	}
}
