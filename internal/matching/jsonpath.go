package matching

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// JSONPath is a compiled JSONPath expression used to bind part of a JSON body.
type JSONPath struct {
	source string
	expr   jp.Expr
}

// CompileJSONPath parses a JSONPath expression at registration time.
func CompileJSONPath(path string) (*JSONPath, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression %q: %w", path, err)
	}
	return &JSONPath{source: path, expr: expr}, nil
}

// String returns the source expression.
func (p *JSONPath) String() string { return p.source }

// First returns the first value the expression selects from data.
// data is a decoded JSON document (maps, slices and scalars).
func (p *JSONPath) First(data any) (any, bool) {
	results := p.expr.Get(data)
	if len(results) == 0 {
		return nil, false
	}
	return results[0], true
}

// FirstBytes decodes body and returns the first selected value. Invalid JSON
// selects nothing.
func (p *JSONPath) FirstBytes(body []byte) (any, bool) {
	if len(body) == 0 {
		return nil, false
	}
	data, err := oj.Parse(body)
	if err != nil {
		return nil, false
	}
	return p.First(data)
}

// ParseJSON decodes a JSON document into generic values.
func ParseJSON(body []byte) (any, error) {
	return oj.Parse(body)
}

// Key converts an expression to a flat name.
// Example: "$.user.name" -> "user_name", "$.items[0].id" -> "items_0_id"
func (p *JSONPath) Key() string {
	path := p.source
	if len(path) > 0 && path[0] == '$' {
		path = path[1:]
	}
	if len(path) > 0 && path[0] == '.' {
		path = path[1:]
	}

	result := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.', '[', ']', '*', '@', '?', '(', ')', ',', ' ', '\'', '"':
			if len(result) > 0 && result[len(result)-1] != '_' {
				result = append(result, '_')
			}
		default:
			result = append(result, c)
		}
	}
	for len(result) > 0 && result[len(result)-1] == '_' {
		result = result[:len(result)-1]
	}
	return string(result)
}
