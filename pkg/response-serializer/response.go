package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Ocache-Stored-At"
	urlHeaderName      = "Ocache-Url"
)

// Snapshot is an immutable capture of a response: status, headers and body,
// taken at the time it was written to the cache.
type Snapshot struct {
	// URL the response was fetched from.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the snapshot was captured.
	StoredAt time.Time
}

// Ok reports whether the snapshot has a successful (2xx) status.
func (s Snapshot) Ok() bool {
	return s.StatusCode >= 200 && s.StatusCode <= 299
}

// Response creates a new *http.Response from the snapshot.
// Every call returns a fresh body reader and header copy.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// SnapshotResponse reads the response body and captures it as a snapshot.
// The response body is replaced with a reader over the captured bytes,
// so the response can still be sent to the client.
func SnapshotResponse(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if res.Request != nil && res.Request.URL != nil {
		snap.URL = res.Request.URL.String()
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		res.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return snap, err
		}
		snap.Body = body
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	return snap, nil
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot,
// with the capture metadata added as extra headers.
func SnapshotToBytes(snap Snapshot) ([]byte, error) {
	res := snap.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(snap.StoredAt.Unix(), 10))
	if snap.URL != "" {
		res.Header.Set(urlHeaderName, snap.URL)
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses bytes created by SnapshotToBytes.
func BytesToSnapshot(b []byte) (Snapshot, error) {
	snap := Snapshot{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return snap, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return snap, err
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return snap, err
	}
	snap.URL = res.Header.Get(urlHeaderName)
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(urlHeaderName)
	snap.StatusCode = res.StatusCode
	snap.Header = res.Header
	snap.Body = body
	snap.StoredAt = time.Unix(storedAt, 0)
	return snap, nil
}
