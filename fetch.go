package offlinecache

import (
	"context"
	"net/http"
	"strings"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// OfflineBody is the body of the synthesized response sent when neither the
// network nor the cache can answer.
const OfflineBody = "Offline - Resource not available"

// Hop-by-hop headers. These are removed when sent to the backend.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// fetch sends a GET request to the network and captures the response.
// Relative requests go to the origin, absolute-form requests to their own host.
// An error means there was no response at all.
func (o *OfflineCache) fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	u := o.keyer.AbsoluteURL(r)
	outreq := r.Clone(ctx)
	outreq.URL = u
	outreq.RequestURI = ""
	outreq.Host = ""
	if u.Host == o.origin.Host {
		outreq.Host = o.hostHeader
	}
	outreq.Body = nil
	outreq.ContentLength = 0
	removeHopHeaders(outreq.Header)
	outreq.Header.Del(ClientIDHeader)
	// let the transport negotiate compression, so bodies are stored decoded
	outreq.Header.Del("Accept-Encoding")

	o.log.Trace().Str("url", u.String()).Msg("Requesting content from network")
	res, err := o.client.Do(outreq)
	if err != nil {
		return serializer.Snapshot{}, err
	}
	snap, err := serializer.SnapshotResponse(res)
	if err != nil {
		return snap, err
	}
	snap.URL = u.String()
	removeHopHeaders(snap.Header)
	return snap, nil
}

// fetchURL fetches a (possibly origin-relative) URL.
func (o *OfflineCache) fetchURL(ctx context.Context, rawURL string) (serializer.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return serializer.Snapshot{}, err
	}
	return o.fetch(ctx, req)
}
