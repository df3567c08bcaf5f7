package web

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/exchange"
)

// HeaderRequestID carries a caller-chosen request id.
const HeaderRequestID = "X-Request-Id"

const maxMemory = 32 << 20

// ServeHTTP dispatches r. Requests served outside a detected connection,
// such as through httptest, get a virtual connection of their own.
func (f *Facade) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, ok := ConnFrom(r.Context())
	if !ok {
		c = conn.New(nil, conn.WithLogger(f.log))
		defer c.Close()
		r = r.WithContext(WithConn(r.Context(), c))
	}

	if f.upgrader != nil && f.upgrader.CanUpgrade(r) {
		if err := f.upgrader.Upgrade(w, r); err != nil {
			c.Logger().Debug("upgrade failed", "path", r.URL.Path, "error", err)
		}
		return
	}

	req, err := f.newRequest(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.Logger().Debug("unreadable request", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := <-f.dispatcher.Handle(r.Context(), c, req, Writer(w), w); err != nil {
		c.Logger().Debug("response not written", "request", req.ID, "error", err)
	}
}

// newRequest converts r. Form fields are merged into the query values and
// multipart files become request files.
func (f *Facade) newRequest(w http.ResponseWriter, r *http.Request) (*exchange.Request, error) {
	req := exchange.NewRequest(Name, r.Method, r.URL.Path)
	if id := r.Header.Get(HeaderRequestID); id != "" {
		req.ID = id
	}
	req.Header = r.Header.Clone()
	req.Query = r.URL.Query()
	for _, ck := range r.Cookies() {
		req.Cookies[ck.Name] = ck.Value
	}
	req.Accept = exchange.Negotiate(r.Header.Get("Accept"))
	req.RemoteAddr = r.RemoteAddr
	req.Native = r

	r.Body = http.MaxBytesReader(w, r.Body, f.maxBody)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			return nil, err
		}
		mergeValues(req.Query, r.MultipartForm.Value)
		req.Files = r.MultipartForm.File
		return req, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	req.Body = body
	if mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		mergeValues(req.Query, form)
	}
	return req, nil
}

func mergeValues(dst url.Values, src map[string][]string) {
	for k, vs := range src {
		dst[k] = append(dst[k], vs...)
	}
}

// Writer returns a dispatch.WriteFunc that writes the status line, headers
// and rendered body to w. A streamed body of known size sets the total
// Content-Length; the stream itself is copied to w afterwards.
func Writer(w http.ResponseWriter) dispatch.WriteFunc {
	return func(resp *exchange.Response) error {
		h := w.Header()
		for k, vs := range resp.Header {
			h[k] = vs
		}
		if resp.Streaming() && resp.StreamSize >= 0 {
			h.Set("Content-Length", strconv.FormatInt(int64(resp.Body.Len())+resp.StreamSize, 10))
		}
		w.WriteHeader(resp.Status)
		if resp.Body.Len() == 0 {
			return nil
		}
		_, err := w.Write(resp.Bytes())
		return err
	}
}
