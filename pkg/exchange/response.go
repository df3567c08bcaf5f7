package exchange

import (
	"bytes"
	"io"
	"net/http"
)

// Response is the reply to a Request. Body holds rendered bytes; Stream, when
// set, is copied to the peer after Body by a completion continuation.
type Response struct {
	Status int
	Header http.Header
	Body   bytes.Buffer

	// Stream is deferred content such as a file.
	Stream io.ReadCloser

	// StreamSize is the stream length, or -1 when unknown.
	StreamSize int64

	// Category is the content category the value was rendered in.
	Category Category

	// Renderer names the transformer that produced the reply.
	Renderer string
}

// NewResponse creates a 200 response with an empty header.
func NewResponse() *Response {
	return &Response{
		Status:     http.StatusOK,
		Header:     make(http.Header),
		StreamSize: -1,
	}
}

// SetContentType sets the Content-Type header.
func (r *Response) SetContentType(ct string) {
	r.Header.Set("Content-Type", ct)
}

// ContentType returns the Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Write appends p to the body.
func (r *Response) Write(p []byte) (int, error) {
	return r.Body.Write(p)
}

// Bytes returns the rendered body.
func (r *Response) Bytes() []byte {
	return r.Body.Bytes()
}

// Streaming reports whether the response carries deferred content.
func (r *Response) Streaming() bool {
	return r.Stream != nil
}

// Reset clears everything written so far. Transformers call it before
// rendering so a failed renderer leaves nothing behind.
func (r *Response) Reset() {
	r.Status = http.StatusOK
	clear(r.Header)
	r.Body.Reset()
	if r.Stream != nil {
		_ = r.Stream.Close()
	}
	r.Stream = nil
	r.StreamSize = -1
	r.Category = ""
	r.Renderer = ""
}

// IsError reports a 4xx or 5xx status.
func (r *Response) IsError() bool {
	return r.Status >= http.StatusBadRequest
}

// Mark is a saved response state. See Response.Mark.
type Mark struct {
	status   int
	header   http.Header
	n        int
	stream   io.ReadCloser
	size     int64
	category Category
	renderer string
}

// Mark saves the current state so a failed renderer can be rolled back
// without discarding what outer renderers already set.
func (r *Response) Mark() Mark {
	return Mark{
		status:   r.Status,
		header:   r.Header.Clone(),
		n:        r.Body.Len(),
		stream:   r.Stream,
		size:     r.StreamSize,
		category: r.Category,
		renderer: r.Renderer,
	}
}

// Rollback restores a state saved by Mark. A stream attached since the mark
// is closed.
func (r *Response) Rollback(m Mark) {
	r.Status = m.status
	r.Header = m.header
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	if m.n <= r.Body.Len() {
		r.Body.Truncate(m.n)
	}
	if r.Stream != nil && r.Stream != m.stream {
		_ = r.Stream.Close()
	}
	r.Stream = m.stream
	r.StreamSize = m.size
	r.Category = m.category
	r.Renderer = m.renderer
}
