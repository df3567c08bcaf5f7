package web

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
)

// anyMethods are the operations a wildcard-group endpoint is documented
// under.
var anyMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
}

// OpenAPI describes the registered HTTP endpoints. Regex and glob templates
// cannot be expressed as OpenAPI paths and are left out.
func (f *Facade) OpenAPI() *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   f.title,
			Version: f.version,
		},
		Paths: openapi3.NewPaths(),
	}

	for _, ep := range f.set.All() {
		if ep.Matcher().Kind() != matching.KindSegments {
			continue
		}
		path, slots := openAPIPath(ep.Pattern())
		item := doc.Paths.Value(path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(path, item)
		}

		methods := []string{ep.Group()}
		if ep.Group() == endpoint.GroupAny {
			methods = anyMethods
		}
		for _, m := range methods {
			if item.GetOperation(m) == nil {
				item.SetOperation(m, operation(ep, slots))
			}
		}
	}
	return doc
}

// slot is a path template parameter with its constraint.
type slot struct {
	name       string
	constraint string
}

// openAPIPath turns a segment template into an OpenAPI path and lists its
// slots in order. Anonymous wildcards become numbered parameters.
func openAPIPath(template string) (string, []slot) {
	var slots []slot
	parts := strings.Split(strings.Trim(template, "/"), "/")
	wild := 0
	for i, part := range parts {
		switch {
		case part == "*":
			wild++
			s := slot{name: "wildcard" + strconv.Itoa(wild)}
			slots = append(slots, s)
			parts[i] = "{" + s.name + "}"
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name, constraint, _ := strings.Cut(part[1:len(part)-1], ":")
			s := slot{name: strings.TrimSuffix(name, "..."), constraint: constraint}
			slots = append(slots, s)
			parts[i] = "{" + s.name + "}"
		}
	}
	return "/" + strings.Join(parts, "/"), slots
}

func operation(ep *endpoint.Endpoint, slots []slot) *openapi3.Operation {
	kinds := make(map[string]string, len(slots))
	for _, s := range slots {
		kinds[s.name] = s.constraint
	}

	op := openapi3.NewOperation()
	op.OperationID = operationID(ep)
	op.Summary = ep.Facet(endpoint.FacetSummary)

	declared := make(map[string]bool)
	for _, p := range ep.Params() {
		var param *openapi3.Parameter
		switch p.Source {
		case endpoint.SourcePath:
			declared[p.Name] = true
			param = openapi3.NewPathParameter(p.Name).WithSchema(slotSchema(kinds[p.Name], p.Type))
		case endpoint.SourceQuery:
			param = openapi3.NewQueryParameter(p.Name).WithSchema(typeSchema(p.Type))
		case endpoint.SourceHeader:
			param = openapi3.NewHeaderParameter(p.Name).WithSchema(typeSchema(p.Type))
		case endpoint.SourceCookie:
			param = openapi3.NewCookieParameter(p.Name).WithSchema(typeSchema(p.Type))
		case endpoint.SourceBody:
			if op.RequestBody == nil {
				body := openapi3.NewRequestBody().
					WithRequired(p.Required).
					WithContent(openapi3.NewContentWithSchema(typeSchema(p.Type), []string{"application/json"}))
				op.RequestBody = &openapi3.RequestBodyRef{Value: body}
			}
			continue
		case endpoint.SourceFile:
			if op.RequestBody == nil {
				form := openapi3.NewObjectSchema().WithProperty(p.Name, openapi3.NewStringSchema().WithFormat("binary"))
				body := openapi3.NewRequestBody().
					WithContent(openapi3.NewContentWithSchema(form, []string{"multipart/form-data"}))
				op.RequestBody = &openapi3.RequestBodyRef{Value: body}
			}
			continue
		default:
			continue
		}
		if p.Source != endpoint.SourcePath {
			param.Required = p.Required
		}
		op.AddParameter(param)
	}
	// Template slots the method does not bind are still part of the path.
	for _, s := range slots {
		if !declared[s.name] {
			op.AddParameter(openapi3.NewPathParameter(s.name).WithSchema(slotSchema(s.constraint, nil)))
		}
	}

	media := mediaTypes(ep.Produces())
	ok := openapi3.NewResponse().
		WithDescription("OK").
		WithContent(openapi3.NewContentWithSchema(openapi3.NewSchema(), media))
	problem := openapi3.NewResponse().
		WithDescription("Error").
		WithContent(openapi3.NewContentWithJSONSchema(problemSchema()))
	op.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: ok}),
		openapi3.WithName("default", problem),
	)
	return op
}

func operationID(ep *endpoint.Endpoint) string {
	t := ep.Type()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name() + "." + ep.Method()
}

func mediaTypes(produces []exchange.Category) []string {
	if len(produces) == 0 {
		return []string{exchange.CategoryJSON.MediaType()}
	}
	out := make([]string, 0, len(produces))
	for _, c := range produces {
		out = append(out, c.MediaType())
	}
	return out
}

func slotSchema(constraint string, t reflect.Type) *openapi3.Schema {
	switch constraint {
	case "int":
		return openapi3.NewInt64Schema()
	case "uint":
		return openapi3.NewInt64Schema().WithMin(0)
	case "float":
		return openapi3.NewFloat64Schema()
	case "uuid":
		return openapi3.NewUUIDSchema()
	case "alpha":
		return openapi3.NewStringSchema().WithPattern(`^\p{L}+$`)
	case "":
		if t != nil {
			return typeSchema(t)
		}
		return openapi3.NewStringSchema()
	}
	return openapi3.NewStringSchema().WithPattern("^(?:" + constraint + ")$")
}

func typeSchema(t reflect.Type) *openapi3.Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return openapi3.NewBoolSchema()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return openapi3.NewIntegerSchema()
	case reflect.Float32, reflect.Float64:
		return openapi3.NewFloat64Schema()
	case reflect.String:
		return openapi3.NewStringSchema()
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return openapi3.NewBytesSchema()
		}
		return openapi3.NewArraySchema().WithItems(typeSchema(t.Elem()))
	case reflect.Map, reflect.Struct:
		return openapi3.NewObjectSchema()
	}
	return openapi3.NewSchema()
}

func problemSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("status", openapi3.NewIntegerSchema())
}
