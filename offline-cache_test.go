package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrigin serves fixed bodies by path and answers unsafe requests with 201.
type testOrigin struct {
	*httptest.Server
	m            sync.Mutex
	bodies       map[string]string
	hits         map[string]int
	unsafeHeader http.Header
}

func newTestOrigin(t *testing.T, bodies map[string]string) *testOrigin {
	o := &testOrigin{
		bodies:       bodies,
		hits:         make(map[string]int),
		unsafeHeader: make(http.Header),
	}
	o.Server = httptest.NewServer(o)
	t.Cleanup(o.Server.Close)
	return o
}

func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.m.Lock()
	o.hits[r.Method+" "+r.URL.Path]++
	body, ok := o.bodies[r.URL.Path]
	extra := o.unsafeHeader.Clone()
	o.m.Unlock()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		for k, v := range extra {
			w.Header()[k] = v
		}
		w.WriteHeader(http.StatusCreated)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, body)
}

func (o *testOrigin) set(path, body string) {
	o.m.Lock()
	defer o.m.Unlock()
	o.bodies[path] = body
}

func (o *testOrigin) setUnsafeHeader(name, value string) {
	o.m.Lock()
	defer o.m.Unlock()
	o.unsafeHeader.Set(name, value)
}

func (o *testOrigin) hitCount(method, path string) int {
	o.m.Lock()
	defer o.m.Unlock()
	return o.hits[method+" "+path]
}

// switchTransport fails every round trip while offline is set.
type switchTransport struct {
	offline atomic.Bool
}

func (s *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return http.DefaultTransport.RoundTrip(r)
}

type testCache struct {
	*OfflineCache
	origin  *testOrigin
	network *switchTransport
}

var testManifest = []string{"/", "/static/style.css", "/static/main.js"}

func defaultBodies() map[string]string {
	return map[string]string{
		"/":                 "<html>app shell</html>",
		"/static/style.css": "body{}",
		"/static/main.js":   "main()",
		"/static/other.js":  "other()",
		"/api/lawyers":      `[{"name":"first"}]`,
		"/about":            "<html>about</html>",
	}
}

func newTestCache(t *testing.T, configure func(*Config)) *testCache {
	origin := newTestOrigin(t, defaultBodies())
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	network := &switchTransport{}
	logger := zerolog.Nop()
	config := Config{
		Store:       cache.NewMemStore(),
		OriginURL:   *originURL,
		Logger:      &logger,
		Transport:   network,
		SkipWaiting: true,
	}
	if configure != nil {
		configure(&config)
	}
	oc := CreateCache(config)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		oc.Shutdown(ctx)
	})
	return &testCache{OfflineCache: oc, origin: origin, network: network}
}

func (tc *testCache) register(t *testing.T, version string, manifest []string) {
	require.NoError(t, tc.Register(context.Background(), version, manifest))
}

func (tc *testCache) do(t *testing.T, method, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	tc.ServeHTTP(w, req)
	return w
}

func (tc *testCache) post(t *testing.T, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	tc.ServeHTTP(w, req)
	return w
}

func (tc *testCache) settle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tc.Wait(ctx))
}

func TestStaticServedFromCacheWhenOffline(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)
	tc.network.offline.Store(true)

	w := tc.do(t, http.MethodGet, "/static/style.css")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())
	assert.Equal(t, "Offline-Cache; hit", w.Header().Get("Cache-Status"))
	assert.Equal(t, 1, tc.origin.hitCount(http.MethodGet, "/static/style.css"))
}

func TestStaticHitDoesNotUseNetwork(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)
	tc.origin.set("/static/main.js", "changed()")

	w := tc.do(t, http.MethodGet, "/static/main.js")
	assert.Equal(t, "main()", w.Body.String())
	assert.Equal(t, 1, tc.origin.hitCount(http.MethodGet, "/static/main.js"))
}

func TestStaticMissIsWrittenThrough(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	w := tc.do(t, http.MethodGet, "/static/other.js")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "other()", w.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; fwd-status=200; stored", w.Header().Get("Cache-Status"))
	tc.settle(t)

	tc.network.offline.Store(true)
	w = tc.do(t, http.MethodGet, "/static/other.js")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "other()", w.Body.String())
}

func TestStaticErrorResponseNotStored(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	w := tc.do(t, http.MethodGet, "/static/missing.js")
	assert.Equal(t, http.StatusNotFound, w.Code)
	tc.settle(t)

	static, _ := tc.Lifecycle().Active().collections()
	key, err := tc.keyer.KeyForURL("/static/missing.js")
	require.NoError(t, err)
	_, ok, err := static.Match(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaticMissOffline(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)
	tc.network.offline.Store(true)

	w := tc.do(t, http.MethodGet, "/static/other.js")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, OfflineBody, w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	w := tc.do(t, http.MethodGet, "/api/lawyers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `[{"name":"first"}]`, w.Body.String())
	tc.settle(t)

	// online responses always come from the network
	tc.origin.set("/api/lawyers", `[{"name":"second"}]`)
	w = tc.do(t, http.MethodGet, "/api/lawyers")
	assert.Equal(t, `[{"name":"second"}]`, w.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=request; fwd-status=200; stored", w.Header().Get("Cache-Status"))
	tc.settle(t)

	tc.network.offline.Store(true)
	w = tc.do(t, http.MethodGet, "/api/lawyers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `[{"name":"second"}]`, w.Body.String())
	assert.Equal(t, "Offline-Cache; hit; detail=fallback", w.Header().Get("Cache-Status"))
}

func TestNetworkFirstOfflineWithoutEntry(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)
	tc.network.offline.Store(true)

	w := tc.do(t, http.MethodGet, "/api/lawyers")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, OfflineBody, w.Body.String())
}

func TestHTMLFallsBackToShell(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)
	tc.network.offline.Store(true)

	w := tc.do(t, http.MethodGet, "/about", "Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<html>app shell</html>", w.Body.String())
	assert.Equal(t, "Offline-Cache; hit; detail=shell", w.Header().Get("Cache-Status"))
}

func TestHTMLPrefersOwnCachedCopy(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	tc.do(t, http.MethodGet, "/about", "Accept", "text/html")
	tc.settle(t)
	tc.network.offline.Store(true)

	w := tc.do(t, http.MethodGet, "/about", "Accept", "text/html")
	assert.Equal(t, "<html>about</html>", w.Body.String())
	assert.Equal(t, "Offline-Cache; hit; detail=fallback", w.Header().Get("Cache-Status"))
}

func TestPostIsNeverCached(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	w := tc.do(t, http.MethodPost, "/api/lawyers")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Offline-Cache; fwd=method", w.Header().Get("Cache-Status"))
	tc.settle(t)

	_, dynamic := tc.Lifecycle().Active().collections()
	var keys []string
	require.NoError(t, dynamic.Keys(context.Background(), func(key string) {
		keys = append(keys, key)
	}))
	assert.Empty(t, keys)

	tc.network.offline.Store(true)
	w = tc.do(t, http.MethodPost, "/api/lawyers")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestUnclassifiedRequestOffline(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)
	tc.network.offline.Store(true)

	w := tc.do(t, http.MethodGet, "/unregistered/path")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, OfflineBody, w.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=bypass", w.Header().Get("Cache-Status"))
}

func TestUncontrolledClientIsNotIntercepted(t *testing.T) {
	tc := newTestCache(t, nil)

	w := tc.do(t, http.MethodGet, "/static/other.js")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Offline-Cache; fwd=bypass", w.Header().Get("Cache-Status"))
	tc.settle(t)

	names, err := tc.store.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestControlPathsAreNotForwarded(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	w := tc.do(t, http.MethodGet, ControlPrefix+"/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, tc.origin.hitCount(http.MethodGet, ControlPrefix+"/unknown"))
}

func TestCacheUpdate(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	tc.do(t, http.MethodGet, "/api/lawyers")
	tc.do(t, http.MethodGet, "/about", "Accept", "text/html")
	tc.settle(t)

	tc.origin.set("/api/lawyers", `[{"name":"updated"}]`)
	tc.origin.set("/about", "<html>updated</html>")
	tc.origin.setUnsafeHeader("Cache-Update", "/about")

	w := tc.do(t, http.MethodPost, "/api/lawyers")
	assert.Equal(t, http.StatusCreated, w.Code)
	tc.settle(t)

	tc.network.offline.Store(true)
	w = tc.do(t, http.MethodGet, "/api/lawyers")
	assert.Equal(t, `[{"name":"updated"}]`, w.Body.String())
	w = tc.do(t, http.MethodGet, "/about", "Accept", "text/html")
	assert.Equal(t, "<html>updated</html>", w.Body.String())
}

func TestCacheUpdateOnlyRefreshesCachedEntries(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)
	tc.origin.setUnsafeHeader("Cache-Update", "/about")

	tc.do(t, http.MethodPost, "/api/lawyers")
	tc.settle(t)

	assert.Equal(t, 0, tc.origin.hitCount(http.MethodGet, "/about"))
	assert.Equal(t, 0, tc.origin.hitCount(http.MethodGet, "/api/lawyers"))
}

func TestUpdateDelay(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.register(t, "v1", testManifest)

	tc.do(t, http.MethodGet, "/api/lawyers")
	tc.settle(t)
	tc.origin.set("/api/lawyers", `[{"name":"delayed"}]`)
	tc.origin.setUnsafeHeader("Cache-Update", "/api/lawyers; delay=1")

	// the response does not wait for delayed updates
	start := time.Now()
	tc.do(t, http.MethodPut, "/api/other")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, tc.origin.hitCount(http.MethodGet, "/api/lawyers"))

	tc.settle(t)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, 2, tc.origin.hitCount(http.MethodGet, "/api/lawyers"))
}

func TestAbsoluteFormRequestKeepsHost(t *testing.T) {
	cdn := newTestOrigin(t, map[string]string{"/npm/lib.css": "lib{}"})
	tc := newTestCache(t, nil)
	tc.register(t, "v1", append([]string{cdn.URL + "/npm/lib.css"}, testManifest...))
	tc.network.offline.Store(true)

	w := tc.do(t, http.MethodGet, cdn.URL+"/npm/lib.css")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lib{}", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Cache-Status"), "Offline-Cache; hit"))
}
