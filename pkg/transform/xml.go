package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/beevik/etree"

	"github.com/getmockd/portmux/pkg/exchange"
)

// XMLRoot is the root element name for converted values.
const XMLRoot = "response"

// XML renders values as XML documents. It only answers when the peer asked
// for XML by name, or when the value already is an etree document.
type XML struct{}

func (XML) Priority() int { return PriorityXML }

func (XML) CanHandle(v any, ctx *Context) bool {
	switch v.(type) {
	case *etree.Document, *etree.Element:
		return ctx.Accepts(exchange.CategoryXML)
	case error, View, *View:
		return false
	}
	return ctx.Explicit(exchange.CategoryXML)
}

func (XML) Render(v any, ctx *Context, _ Remaining) error {
	var doc *etree.Document
	switch x := v.(type) {
	case *etree.Document:
		doc = x
	case *etree.Element:
		doc = etree.NewDocument()
		doc.SetRoot(x.Copy())
	default:
		var err error
		if doc, err = toXML(v); err != nil {
			return err
		}
	}
	b, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("write xml: %w", err)
	}
	resp := ctx.Response
	resp.SetContentType(exchange.CategoryXML.MediaType())
	resp.Category = exchange.CategoryXML
	_, err = resp.Write(b)
	return err
}

func (t XML) Instance() Transformer { return t }

// toXML converts v through its JSON form: objects become child elements in
// key order, arrays become repeated item elements.
func toXML(v any) (*etree.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(XMLRoot)
	writeXMLValue(root, generic)
	return doc, nil
}

func writeXMLValue(el *etree.Element, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			writeXMLValue(el.CreateElement(xmlName(k)), x[k])
		}
	case []any:
		for _, item := range x {
			writeXMLValue(el.CreateElement("item"), item)
		}
	case nil:
	case string:
		el.SetText(x)
	default:
		el.SetText(fmt.Sprint(x))
	}
}

// xmlName turns a JSON key into a valid element name.
func xmlName(key string) string {
	var b strings.Builder
	for i, r := range key {
		ok := unicode.IsLetter(r) || r == '_' ||
			(i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'))
		if ok {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
