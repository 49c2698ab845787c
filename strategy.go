package offlinecache

import (
	"context"
	"errors"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/rfc9211"
)

// Cache-Status details and response sources.
const (
	detailOffline  = "offline"
	detailFallback = "fallback"
	detailShell    = "shell"

	sourceCache   = "cache"
	sourceNetwork = "network"
	sourceShell   = "shell"
	sourceOffline = "offline"
)

// cacheFirst answers from the static collection, and from the network on a miss.
// Successful network responses are written through to the static collection.
func (o *OfflineCache) cacheFirst(w http.ResponseWriter, req *request) {
	ctx := req.r.Context()
	static, _ := req.gen.collections()
	key := o.keyer.GetKey(req.r)

	if snap, ok := o.match(ctx, static, key); ok {
		req.cacheStatus.Hit()
		o.send(w, req, snap, sourceCache)
		return
	}

	req.cacheStatus.Forward(rfc9211.FwdReasonUriMiss)
	snap, err := o.fetch(ctx, req.r)
	if err != nil {
		o.log.Warn().Err(err).Str("url", req.r.URL.String()).Msg("Cache first strategy failed")
		req.cacheStatus.Detail = detailOffline
		o.sendOffline(w, req)
		return
	}
	req.cacheStatus.FwdStatus = snap.StatusCode
	if snap.Ok() {
		req.cacheStatus.Stored = true
		o.put(static, "static", key, snap)
	}
	o.send(w, req, snap, sourceNetwork)
}

// networkFirst answers from the network, and from the cache when there is no network.
// Successful network responses are written through to the dynamic collection.
// HTML requests fall back to the root document as a last resort.
func (o *OfflineCache) networkFirst(w http.ResponseWriter, req *request) {
	ctx := req.r.Context()
	static, dynamic := req.gen.collections()
	key := o.keyer.GetKey(req.r)

	req.cacheStatus.Forward(rfc9211.FwdReasonRequest)
	snap, err := o.fetch(ctx, req.r)
	if err == nil {
		req.cacheStatus.FwdStatus = snap.StatusCode
		if snap.Ok() {
			req.cacheStatus.Stored = true
			o.put(dynamic, "dynamic", key, snap)
		}
		o.send(w, req, snap, sourceNetwork)
		return
	}
	o.log.Debug().Err(err).Str("url", req.r.URL.String()).Msg("Network failed, trying cache")

	for _, c := range []cache.Collection{dynamic, static} {
		if snap, ok := o.match(ctx, c, key); ok {
			req.cacheStatus.Hit()
			req.cacheStatus.Detail = detailFallback
			o.send(w, req, snap, sourceCache)
			return
		}
	}

	if req.category == classifier.HTML {
		if shellKey, err := o.keyer.KeyForURL(o.rootDocument); err == nil {
			for _, c := range []cache.Collection{static, dynamic} {
				if snap, ok := o.match(ctx, c, shellKey); ok {
					req.cacheStatus.Hit()
					req.cacheStatus.Detail = detailShell
					o.send(w, req, snap, sourceShell)
					return
				}
			}
		}
	}

	req.cacheStatus.Detail = detailOffline
	o.sendOffline(w, req)
}

// match looks up key in c. Storage errors count as misses.
func (o *OfflineCache) match(ctx context.Context, c cache.Collection, key string) (serializer.Snapshot, bool) {
	if c == nil {
		return serializer.Snapshot{}, false
	}
	bts, ok, err := c.Match(ctx, key)
	if err != nil {
		o.log.Warn().Err(err).Str("collection", c.Name()).Str("key", key).Msg("Could not retrieve from cache")
		return serializer.Snapshot{}, false
	}
	if !ok {
		return serializer.Snapshot{}, false
	}
	snap, err := serializer.BytesToSnapshot(bts)
	if err != nil {
		o.log.Warn().Err(err).Str("collection", c.Name()).Str("key", key).Msg("Could not decode cached response")
		return serializer.Snapshot{}, false
	}
	return snap, true
}

// put writes snap to c without holding up the response.
// The write is tracked so that shutdown waits for it.
func (o *OfflineCache) put(c cache.Collection, role, key string, snap serializer.Snapshot) {
	if c == nil {
		return
	}
	o.tracker.Go("put "+key, func(ctx context.Context) error {
		bts, err := serializer.SnapshotToBytes(snap)
		if err != nil {
			o.metrics.writes.WithLabelValues(role, "error").Inc()
			return err
		}
		err = c.Put(ctx, key, bts)
		switch {
		case err == nil:
			o.metrics.writes.WithLabelValues(role, "ok").Inc()
			o.log.Trace().Str("collection", c.Name()).Str("key", key).Msg("Wrote to cache")
		case errors.Is(err, cache.ErrNoSuchCollection):
			// deleted by an activation since the request started
			o.metrics.writes.WithLabelValues(role, "dropped").Inc()
			o.log.Debug().Str("collection", c.Name()).Str("key", key).Msg("Collection gone, write dropped")
			return nil
		default:
			o.metrics.writes.WithLabelValues(role, "error").Inc()
			o.log.Warn().Err(err).Str("collection", c.Name()).Str("key", key).Msg("Could not write to cache")
		}
		return err
	})
}

// send writes the snapshot to the client.
func (o *OfflineCache) send(w http.ResponseWriter, req *request, snap serializer.Snapshot, source string) {
	res := snap.Response(req.r)
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", req.cacheStatus.String())
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(snap.Body); err != nil {
		o.log.Debug().Err(err).Msg("Could not write response body to client")
	}
	req.source = source
	o.record(req)
}

func (o *OfflineCache) sendOffline(w http.ResponseWriter, req *request) {
	w.Header().Add("Cache-Status", req.cacheStatus.String())
	o.escapeHatch(w)
	req.source = sourceOffline
	o.record(req)
}

// proxyResult carries the outcome of a passthrough request from the
// reverse proxy error handler back to the caller.
type proxyResult struct {
	err error
}

type proxyResultKey struct{}

// passthrough forwards the request to the network without touching the cache.
// Successful unsafe requests refresh the cached entries they affect.
func (o *OfflineCache) passthrough(w http.ResponseWriter, req *request) {
	o.log.Trace().Msgf("proxying %s", req.r.URL.String())
	// set cache-status on underlying rw only
	w.Header().Add("Cache-Status", req.cacheStatus.String())

	result := &proxyResult{}
	r := req.r.WithContext(context.WithValue(req.r.Context(), proxyResultKey{}, result))
	rwtee := tee.NewResponseSaver(w)
	o.reverseproxy.ServeHTTP(rwtee, r)
	o.log.Trace().
		Int("status", rwtee.StatusCode()).
		Int64("bytes", rwtee.Written()).
		AnErr("clientErr", rwtee.ClientErr()).
		Msg("Passed response through")

	req.source = sourceNetwork
	if result.err != nil {
		req.source = sourceOffline
	}
	o.record(req)

	if result.err == nil && req.gen != nil && isSuccess(rwtee.StatusCode()) {
		o.refresh(req, rwtee.Header())
	}
}

// proxyError answers requests the reverse proxy could not forward.
// Retrievals get the offline response, anything else a bad gateway.
func (o *OfflineCache) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	o.log.Warn().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Could not forward request")
	if result, ok := r.Context().Value(proxyResultKey{}).(*proxyResult); ok {
		result.err = err
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		o.escapeHatch(w)
		return
	}
	w.WriteHeader(http.StatusBadGateway)
}

func (o *OfflineCache) record(req *request) {
	category := req.category
	if category == "" {
		category = "none"
	}
	o.metrics.requests.WithLabelValues(string(category), req.source).Inc()
	o.logRequest(req)
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
