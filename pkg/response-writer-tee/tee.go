// Package tee records proxied responses so they can be stored, and optionally
// passes them on to the client while they are being recorded.
package tee

import (
	"bytes"
	"fmt"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that records the response it is given.
// The recording is an HTTP/1.1 message (status line, headers, body), readable with http.ReadResponse.
// With a destination writer, everything is also written through to it.
type ResponseSaver struct {
	dst    http.ResponseWriter
	header http.Header
	buf    bytes.Buffer
	status int
	// first error writing to dst, recording goes on regardless
	dstErr error
	// set by the proxy error handler when there is no response at all
	err error
}

// NewResponseSaver returns a ResponseSaver writing through to w, or only recording if w is nil.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		dst:    w,
		header: make(http.Header),
	}
}

func (t *ResponseSaver) Header() http.Header {
	return t.header
}

func (t *ResponseSaver) WriteHeader(statusCode int) {
	// 1xx responses are interim, only the final one is recorded
	if t.status != 0 || statusCode < 200 {
		return
	}
	t.status = statusCode
	fmt.Fprintf(&t.buf, "HTTP/1.1 %03d %s\r\n", statusCode, http.StatusText(statusCode))
	t.header.Write(&t.buf)
	t.buf.WriteString("\r\n")

	if t.dst != nil {
		dstHeader := t.dst.Header()
		for k, vv := range t.header {
			dstHeader[k] = append(dstHeader[k], vv...)
		}
		t.dst.WriteHeader(statusCode)
	}
}

func (t *ResponseSaver) Write(b []byte) (int, error) {
	if t.status == 0 {
		t.WriteHeader(http.StatusOK)
	}
	if t.dst != nil && t.dstErr == nil {
		_, t.dstErr = t.dst.Write(b)
	}
	return t.buf.Write(b)
}

// Fail records that no response could be obtained.
// Proxy error handlers call it instead of writing an error response, so that the caller can fall back.
func (t *ResponseSaver) Fail(err error) {
	t.err = err
}

// Err returns the error recorded with Fail.
func (t *ResponseSaver) Err() error {
	return t.err
}

// ClientErr returns the first error writing through to the destination.
func (t *ResponseSaver) ClientErr() error {
	return t.dstErr
}

// WroteHeaders reports whether the status line has been recorded (and written through) yet.
func (t *ResponseSaver) WroteHeaders() bool {
	return t.status != 0
}

// Response returns the recorded response.
// The slice must not be modified.
func (t *ResponseSaver) Response() []byte {
	return t.buf.Bytes()
}

// StatusCode returns the recorded status code, or 0 if nothing has been recorded.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}
