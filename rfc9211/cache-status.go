// Package rfc9211 builds the Cache-Status HTTP response header field
// (RFC 9211), used to report how the cache handled a request.
package rfc9211

import (
	"fmt"
	"strconv"
)

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The request's semantics (here: the configured strategy) did not
	// allow a stored response to be used.
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

// Cache name used in the header field.
const CacheName = "Offline-Cache"

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Whether the response was stored.
	Stored bool
	// HTTP status of the forwarded request, 0 when there was no response.
	FwdStatus int
	// Implementation-specific detail (e.g. offline, fallback, shell).
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.FwdStatus != 0 {
		status = status + "; fwd-status=" + strconv.Itoa(cs.FwdStatus)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
