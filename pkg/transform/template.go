package transform

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/getmockd/portmux/pkg/exchange"
)

// ErrorView is the view name the error transformer asks for when the peer
// explicitly accepts HTML.
const ErrorView = "error"

// View is a handler result naming an HTML view and its data.
type View struct {
	Name   string
	Data   any
	Status int
}

// Template renders Views with html/template.
type Template struct {
	views *template.Template
}

// NewTemplate wraps a parsed template set.
func NewTemplate(views *template.Template) *Template {
	return &Template{views: views}
}

// ParseViews parses view files matching pattern.
func ParseViews(pattern string) (*Template, error) {
	views, err := template.ParseGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("parse views: %w", err)
	}
	return NewTemplate(views), nil
}

func (t *Template) Priority() int { return PriorityTemplate }

func (t *Template) CanHandle(v any, ctx *Context) bool {
	view, ok := asView(v)
	if !ok || t.views == nil || !ctx.Accepts(exchange.CategoryHTML) {
		return false
	}
	return t.views.Lookup(view.Name) != nil
}

func (t *Template) Render(v any, ctx *Context, _ Remaining) error {
	view, _ := asView(v)
	var buf bytes.Buffer
	if err := t.views.ExecuteTemplate(&buf, view.Name, view.Data); err != nil {
		return fmt.Errorf("execute view %s: %w", view.Name, err)
	}
	resp := ctx.Response
	if view.Status != 0 {
		resp.Status = view.Status
	}
	resp.SetContentType(exchange.CategoryHTML.MediaType())
	resp.Category = exchange.CategoryHTML
	_, err := resp.Write(buf.Bytes())
	return err
}

// Instance returns t. Template execution is safe for concurrent use.
func (t *Template) Instance() Transformer { return t }

func asView(v any) (View, bool) {
	switch x := v.(type) {
	case View:
		return x, true
	case *View:
		if x != nil {
			return *x, true
		}
	}
	return View{}, false
}
