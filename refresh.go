package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cacheupdate "github.com/always-cache/offline-cache/pkg/cache-update"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// refresh updates the dynamic entries affected by a successful unsafe request:
// the request target, its Location and Content-Location, and the resources
// named in Cache-Update headers. Only entries that are already cached are
// refreshed. Updates without a delay finish before the response does.
func (o *OfflineCache) refresh(req *request, header http.Header) {
	_, dynamic := req.gen.collections()
	if dynamic == nil {
		return
	}
	base := o.keyer.AbsoluteURL(req.r)
	target := req.r.Clone(req.r.Context())
	target.URL = base

	updates := cacheupdate.GetCacheUpdates(target, header)
	if cacheupdate.UnsafeRequest(target) {
		for _, u := range invalidatedURLs(base, header) {
			updates = append(updates, cacheupdate.CacheUpdate{URL: u})
		}
	}

	seen := make(map[string]bool)
	for _, update := range updates {
		rawURL := update.URL.String()
		if seen[rawURL] {
			continue
		}
		seen[rawURL] = true
		key, err := o.keyer.KeyForURL(rawURL)
		if err != nil {
			o.log.Error().Err(err).Str("url", rawURL).Msg("Could not create key for update")
			continue
		}
		delay := update.Delay
		o.log.Trace().Str("update", rawURL).Dur("delay", delay).Msg("Updating cache based on response")
		p := o.tracker.Go("refresh "+rawURL, func(ctx context.Context) error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return o.refreshEntry(ctx, dynamic, key, rawURL)
		})
		if delay == 0 {
			if err := p.Wait(req.r.Context()); err != nil {
				o.log.Debug().Err(err).Str("url", rawURL).Msg("Update did not finish before response")
			}
		}
	}
}

func (o *OfflineCache) refreshEntry(ctx context.Context, c cache.Collection, key, rawURL string) error {
	if _, ok, err := c.Match(ctx, key); err != nil || !ok {
		return err
	}
	snap, err := o.fetchURL(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", rawURL, err)
	}
	if !snap.Ok() {
		return fmt.Errorf("refresh %s: status %d", rawURL, snap.StatusCode)
	}
	bts, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return err
	}
	o.log.Debug().Str("url", rawURL).Msg("Refreshed cached response")
	return c.Put(ctx, key, bts)
}

// invalidatedURLs returns the request target and the same-host URLs in the
// Location and Content-Location response headers.
func invalidatedURLs(target *url.URL, header http.Header) []*url.URL {
	urls := []*url.URL{target}
	for _, name := range []string{"Location", "Content-Location"} {
		value := header.Get(name)
		if value == "" {
			continue
		}
		ref, err := url.Parse(value)
		if err != nil {
			continue
		}
		u := target.ResolveReference(ref)
		if u.Host == target.Host {
			urls = append(urls, u)
		}
	}
	return urls
}
