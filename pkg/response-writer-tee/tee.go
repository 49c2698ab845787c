package tee

import (
	"net/http"
	"time"
)

// ResponseSaver passes a response through to a client while recording its
// status, headers and size. The body is not kept.
type ResponseSaver struct {
	w         http.ResponseWriter
	header    http.Header
	status    int
	written   int64
	clientErr error
	Started   time.Time
}

// NewResponseSaver returns a ResponseSaver writing to w, which may be nil.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		w:       w,
		header:  http.Header{},
		Started: time.Now(),
	}
}

func (s *ResponseSaver) Header() http.Header {
	return s.header
}

// WriteHeader sends the headers set so far to the client. Only the first call counts.
func (s *ResponseSaver) WriteHeader(statusCode int) {
	if s.status != 0 {
		return
	}
	s.status = statusCode
	if s.w != nil {
		dst := s.w.Header()
		for k, vv := range s.header {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
		s.w.WriteHeader(statusCode)
	}
}

// Write never fails because of the client: once the client is gone the
// rest of the response is counted and dropped, see ClientErr.
func (s *ResponseSaver) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.WriteHeader(http.StatusOK)
	}
	if s.w != nil && s.clientErr == nil {
		_, s.clientErr = s.w.Write(b)
	}
	s.written += int64(len(b))
	return len(b), nil
}

// Flush lets streamed responses through to the client.
func (s *ResponseSaver) Flush() {
	if f, ok := s.w.(http.Flusher); ok && s.clientErr == nil {
		f.Flush()
	}
}

// Unwrap gives http.ResponseController access to the client writer.
func (s *ResponseSaver) Unwrap() http.ResponseWriter {
	return s.w
}

// StatusCode returns the status sent, or 0 if nothing was sent yet.
func (s *ResponseSaver) StatusCode() int {
	return s.status
}

// Written returns the number of body bytes sent.
func (s *ResponseSaver) Written() int64 {
	return s.written
}

// ClientErr returns the first error writing to the client.
func (s *ResponseSaver) ClientErr() error {
	return s.clientErr
}
