package exchange

import (
	"mime"
	"strings"

	"github.com/munnerz/goautoneg"
)

// Category is a content category a reply can be rendered in.
type Category string

// Content categories.
const (
	CategoryAny    Category = "*"
	CategoryJSON   Category = "json"
	CategoryXML    Category = "xml"
	CategoryText   Category = "text"
	CategoryHTML   Category = "html"
	CategoryBinary Category = "binary"
	CategoryProto  Category = "proto"
)

// MediaType returns the default media type for the category.
func (c Category) MediaType() string {
	switch c {
	case CategoryJSON:
		return "application/json"
	case CategoryXML:
		return "application/xml"
	case CategoryText:
		return "text/plain; charset=utf-8"
	case CategoryHTML:
		return "text/html; charset=utf-8"
	case CategoryProto:
		return "application/grpc+proto"
	default:
		return "application/octet-stream"
	}
}

// CategoryOf maps a media type to its category. Unknown types report false.
func CategoryOf(mediaType string) (Category, bool) {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mediaType))
	}
	typ, sub, _ := strings.Cut(mt, "/")
	return categoryOf(typ, sub)
}

func categoryOf(typ, sub string) (Category, bool) {
	switch {
	case typ == "*" && (sub == "*" || sub == ""):
		return CategoryAny, true
	case sub == "json" || strings.HasSuffix(sub, "+json"):
		return CategoryJSON, true
	case sub == "xml" || strings.HasSuffix(sub, "+xml"):
		return CategoryXML, true
	case typ == "text" && sub == "html":
		return CategoryHTML, true
	case typ == "text" && (sub == "plain" || sub == "*"):
		return CategoryText, true
	case sub == "grpc" || strings.HasPrefix(sub, "grpc+") || sub == "protobuf" || sub == "x-protobuf":
		return CategoryProto, true
	case sub == "octet-stream":
		return CategoryBinary, true
	}
	return "", false
}

// Negotiate parses an Accept header into categories ordered by preference.
// Media ranges with q=0 and unknown types are dropped; duplicates keep their
// first position. A missing or blank header yields nil, meaning no
// negotiation data. A header naming nothing renderable yields an empty
// non-nil list that accepts no category.
func Negotiate(accept string) []Category {
	if strings.TrimSpace(accept) == "" {
		return nil
	}
	var (
		out  []Category
		seen = make(map[Category]bool)
	)
	for _, a := range goautoneg.ParseAccept(accept) {
		if a.Q <= 0 {
			continue
		}
		c, ok := categoryOf(strings.ToLower(a.Type), strings.ToLower(a.SubType))
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if out == nil {
		return []Category{}
	}
	return out
}

// Accepts reports whether want is acceptable given the negotiated list.
// No negotiation data (nil) and the any category accept everything.
func Accepts(accept []Category, want Category) bool {
	if accept == nil {
		return true
	}
	for _, c := range accept {
		if c == want || c == CategoryAny {
			return true
		}
	}
	return false
}

// Preferred returns the first negotiated category among offered, or false.
// With no negotiation data the first offered category is used.
func Preferred(accept []Category, offered ...Category) (Category, bool) {
	if len(offered) == 0 {
		return "", false
	}
	if accept == nil {
		return offered[0], true
	}
	for _, c := range accept {
		if c == CategoryAny {
			return offered[0], true
		}
		for _, o := range offered {
			if o == c {
				return o, true
			}
		}
	}
	return "", false
}
