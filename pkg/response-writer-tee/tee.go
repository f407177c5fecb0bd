package tee

import (
	"net/http"
	"time"
)

// ResponseRecorder is a wrapper around http.ResponseWriter that remembers
// the status code and body size written through it.
type ResponseRecorder struct {
	rw           http.ResponseWriter
	status       int
	written      int64
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.rw.Write(b)
	t.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer, e.g. for flushing.
func (t *ResponseRecorder) Unwrap() http.ResponseWriter {
	return t.rw
}

// StatusCode returns the status code of the response, or 0 if nothing was written.
func (t *ResponseRecorder) StatusCode() int {
	return t.status
}

// BytesWritten returns the number of body bytes written.
func (t *ResponseRecorder) BytesWritten() int64 {
	return t.written
}

// NewResponseRecorder returns a new ResponseRecorder writing through to w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		CreatedAt: time.Now(),
		rw:        w,
	}
}
