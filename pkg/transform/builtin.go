package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/getmockd/portmux/pkg/exchange"
)

// Built-in priorities. Higher renders first.
const (
	PriorityError     = 1000
	PriorityNoContent = 900
	PriorityStream    = 800
	PriorityBytes     = 700
	PriorityTemplate  = 600
	PriorityProto     = 500
	PriorityText      = 450
	PriorityJSON      = 400
	PriorityXML       = 300
	PriorityWildcard  = -1000
)

// Defaults returns the built-in transformers that need no configuration.
func Defaults() []Transformer {
	return []Transformer{
		ErrorTransformer{},
		NoContent{},
		Stream{},
		Bytes{},
		NewProto(),
		Text{},
		JSON{},
		XML{},
		Wildcard{},
	}
}

// ErrorTransformer renders errors as problem documents. It sets the status
// and leaves the byte production to the rest of the chain.
type ErrorTransformer struct{}

func (ErrorTransformer) Priority() int { return PriorityError }

func (ErrorTransformer) CanHandle(v any, _ *Context) bool {
	_, ok := v.(error)
	return ok
}

func (t ErrorTransformer) Render(v any, ctx *Context, next Remaining) error {
	e := exchange.Wrap(v.(error))
	resp := ctx.Response
	resp.Status = e.Status
	if len(e.Allowed) > 0 {
		resp.Header.Set("Allow", strings.Join(e.Allowed, ", "))
	}
	problem := e.Problem()

	if ctx.Explicit(exchange.CategoryHTML) {
		if err := next.Resolve(View{Name: ErrorView, Data: problem}, ctx); err == nil {
			return nil
		}
	}
	if err := next.Resolve(problem, ctx); err == nil {
		return nil
	}

	// Errors always produce a reply, even when nothing else can render the
	// problem in an acceptable category.
	resp.SetContentType(exchange.CategoryText.MediaType())
	resp.Category = exchange.CategoryText
	_, err := fmt.Fprintf(resp, "%s: %s\n", e.Code, e.Message)
	return err
}

func (t ErrorTransformer) Instance() Transformer { return t }

// NoContent renders nil results as an empty reply.
type NoContent struct{}

func (NoContent) Priority() int { return PriorityNoContent }

func (NoContent) CanHandle(v any, _ *Context) bool { return v == nil }

func (NoContent) Render(_ any, ctx *Context, _ Remaining) error {
	if ctx.Response.Status == http.StatusOK {
		ctx.Response.Status = http.StatusNoContent
	}
	return nil
}

func (t NoContent) Instance() Transformer { return t }

// File is a handler result naming a file served as deferred content.
type File struct {
	Path        string
	ContentType string
}

// Stream renders readers and files as deferred content. The bytes are
// copied to the peer after the reply head by a connection continuation.
type Stream struct{}

func (Stream) Priority() int { return PriorityStream }

func (Stream) CanHandle(v any, _ *Context) bool {
	switch v.(type) {
	case File, *File:
		return true
	case io.Reader:
		return true
	}
	return false
}

func (Stream) Render(v any, ctx *Context, _ Remaining) error {
	resp := ctx.Response
	switch x := v.(type) {
	case *File:
		if x == nil {
			return errors.New("nil file")
		}
		return renderFile(*x, resp)
	case File:
		return renderFile(x, resp)
	case io.Reader:
		rc, ok := x.(io.ReadCloser)
		if !ok {
			rc = io.NopCloser(x)
		}
		resp.Stream = rc
		resp.StreamSize = sizeOf(x)
		if resp.ContentType() == "" {
			resp.SetContentType(exchange.CategoryBinary.MediaType())
		}
		resp.Category = exchange.CategoryBinary
	}
	return nil
}

func (t Stream) Instance() Transformer { return t }

func renderFile(f File, resp *exchange.Response) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	info, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return fmt.Errorf("stat %s: %w", f.Path, err)
	}
	if info.IsDir() {
		_ = fh.Close()
		return fmt.Errorf("%s is a directory", f.Path)
	}
	ct := f.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(f.Path))
	}
	if ct == "" {
		ct = exchange.CategoryBinary.MediaType()
	}
	resp.SetContentType(ct)
	if c, ok := exchange.CategoryOf(ct); ok {
		resp.Category = c
	} else {
		resp.Category = exchange.CategoryBinary
	}
	resp.Stream = fh
	resp.StreamSize = info.Size()
	return nil
}

func sizeOf(r io.Reader) int64 {
	switch x := r.(type) {
	case *bytes.Reader:
		return int64(x.Len())
	case *strings.Reader:
		return int64(x.Len())
	case *bytes.Buffer:
		return int64(x.Len())
	case *os.File:
		if info, err := x.Stat(); err == nil && info.Mode().IsRegular() {
			return info.Size()
		}
	}
	return -1
}

// Bytes renders byte slices verbatim.
type Bytes struct{}

func (Bytes) Priority() int { return PriorityBytes }

func (Bytes) CanHandle(v any, _ *Context) bool {
	_, ok := v.([]byte)
	return ok
}

func (Bytes) Render(v any, ctx *Context, _ Remaining) error {
	resp := ctx.Response
	if resp.ContentType() == "" {
		resp.SetContentType(exchange.CategoryBinary.MediaType())
	}
	resp.Category = exchange.CategoryBinary
	_, err := resp.Write(v.([]byte))
	return err
}

func (t Bytes) Instance() Transformer { return t }

// Text renders strings and Stringers as plain text.
type Text struct{}

func (Text) Priority() int { return PriorityText }

func (Text) CanHandle(v any, ctx *Context) bool {
	if !ctx.Accepts(exchange.CategoryText) {
		return false
	}
	switch v.(type) {
	case error:
		return false
	case string, fmt.Stringer:
		return true
	}
	return false
}

func (Text) Render(v any, ctx *Context, _ Remaining) error {
	return writeText(ctx.Response, fmt.Sprint(v))
}

func (t Text) Instance() Transformer { return t }

func writeText(resp *exchange.Response, s string) error {
	resp.SetContentType(exchange.CategoryText.MediaType())
	resp.Category = exchange.CategoryText
	_, err := io.WriteString(resp, s)
	return err
}

// JSON renders structured values as JSON.
type JSON struct{}

func (JSON) Priority() int { return PriorityJSON }

func (JSON) CanHandle(v any, ctx *Context) bool {
	switch v.(type) {
	case error, View, *View:
		return false
	}
	return ctx.Accepts(exchange.CategoryJSON)
}

func (JSON) Render(v any, ctx *Context, _ Remaining) error {
	return writeJSON(ctx.Response, v)
}

func (t JSON) Instance() Transformer { return t }

func writeJSON(resp *exchange.Response, v any) error {
	resp.SetContentType(exchange.CategoryJSON.MediaType())
	resp.Category = exchange.CategoryJSON
	return json.NewEncoder(resp).Encode(v)
}

// Wildcard renders anything when the peer expressed no preference or
// accepts any category.
type Wildcard struct{}

func (Wildcard) Priority() int { return PriorityWildcard }

func (Wildcard) CanHandle(_ any, ctx *Context) bool {
	return ctx.Accept == nil || ctx.Explicit(exchange.CategoryAny)
}

func (Wildcard) Render(v any, ctx *Context, _ Remaining) error {
	resp := ctx.Response
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return Bytes{}.Render(x, ctx, nil)
	case string:
		return writeText(resp, x)
	case error:
		return writeText(resp, x.Error())
	case fmt.Stringer:
		return writeText(resp, x.String())
	case View:
		return writeJSON(resp, x.Data)
	case *View:
		return writeJSON(resp, x.Data)
	}
	return writeJSON(resp, v)
}

func (t Wildcard) Instance() Transformer { return t }
