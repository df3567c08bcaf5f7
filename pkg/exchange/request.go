// Package exchange defines the protocol-neutral messages passed between
// façades, the dispatcher and the transformer chain.
package exchange

import (
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Request is one decoded inbound unit of work.
type Request struct {
	// ID identifies the request in logs.
	ID string

	// Protocol is the façade that decoded the request (http, websocket, ...).
	Protocol string

	// Group is the protocol discriminator endpoints are grouped by, such as an
	// HTTP verb or PUBLISH for topic messages.
	Group string

	// Target is the path, topic or method name matched against templates.
	Target string

	Header  http.Header
	Query   url.Values
	Cookies map[string]string
	Body    []byte

	// Files holds uploaded multipart files by form field.
	Files map[string][]*multipart.FileHeader

	// Accept is the negotiated list of acceptable reply categories.
	Accept []Category

	RemoteAddr string

	// Native is the façade's own message (e.g. *http.Request), if any.
	Native any
}

// NewRequest creates a request with an id and empty header and query maps.
func NewRequest(protocol, group, target string) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Protocol: protocol,
		Group:    group,
		Target:   target,
		Header:   make(http.Header),
		Query:    make(url.Values),
		Cookies:  make(map[string]string),
	}
}

// ContentType returns the Content-Type header.
func (r *Request) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Cookie returns the named cookie value.
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

// File returns the first uploaded file for a form field.
func (r *Request) File(field string) (*multipart.FileHeader, bool) {
	files := r.Files[field]
	if len(files) == 0 {
		return nil, false
	}
	return files[0], true
}
