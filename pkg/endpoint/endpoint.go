package endpoint

import (
	"context"
	"encoding"
	"fmt"
	"mime/multipart"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/provider"
)

// ContextKind identifies the per-call object a SourceContext param receives.
type ContextKind int

const (
	ContextNone ContextKind = iota
	ContextCtx
	ContextRequest
	ContextResponse
	ContextConn
	ContextBindings
	ContextAttributes
	ContextValidation
)

var (
	ctxType        = reflect.TypeFor[context.Context]()
	requestType    = reflect.TypeFor[*exchange.Request]()
	responseType   = reflect.TypeFor[*exchange.Response]()
	connType       = reflect.TypeFor[*conn.Conn]()
	bindingsType   = reflect.TypeFor[matching.Bindings]()
	attributesType = reflect.TypeFor[*conn.Attributes]()
	validationType = reflect.TypeFor[*Validation]()
	errorType      = reflect.TypeFor[error]()
	fileHeaderType = reflect.TypeFor[*multipart.FileHeader]()
	textUnmarshal  = reflect.TypeFor[encoding.TextUnmarshaler]()
)

func contextKindOf(t reflect.Type) ContextKind {
	switch t {
	case ctxType:
		return ContextCtx
	case requestType:
		return ContextRequest
	case responseType:
		return ContextResponse
	case connType:
		return ContextConn
	case bindingsType:
		return ContextBindings
	case attributesType:
		return ContextAttributes
	case validationType:
		return ContextValidation
	}
	return ContextNone
}

// Param describes how one formal parameter is bound.
type Param struct {
	Index  int
	Type   reflect.Type
	Source Source
	Name   string

	// Context is set for SourceContext params.
	Context ContextKind

	// Numeric is the target kind for string to number coercion, or Invalid.
	Numeric reflect.Kind
	// Boxed is set when the numeric target is a pointer, which can be nil.
	Boxed bool

	Required bool
	Default  string
	Message  string

	rule     *vm.Program
	ruleSrc  string
	schema   *jsonschema.Schema
	jsonPath *matching.JSONPath
}

// Validated reports whether the param records a validation result.
func (p *Param) Validated() bool {
	return p.rule != nil || p.schema != nil || p.Required
}

// Rule returns the validation rule source.
func (p *Param) Rule() string { return p.ruleSrc }

// JSONPath returns the body selector, if any.
func (p *Param) JSONPath() *matching.JSONPath { return p.jsonPath }

// Endpoint is an immutable registered operation.
type Endpoint struct {
	key      string
	typ      reflect.Type
	method   reflect.Method
	matcher  *matching.Matcher
	params   []Param
	provider provider.Provider
	lock     sync.Locker
	group    string
	priority int
	produces []exchange.Category
	facets   map[string]string

	returnsValue bool
	returnsError bool
}

// Process builds an Endpoint from a declaration. It compiles the pattern,
// introspects the method signature, binds per-registration providers and
// compiles validation rules and schemas.
func Process(d Declaration) (*Endpoint, error) {
	if d.Type == nil {
		return nil, fmt.Errorf("%w: missing declaring type", ErrInvalidDeclaration)
	}
	if d.Type.Kind() == reflect.Interface {
		return nil, fmt.Errorf("%w: %v: declaring type must be concrete", ErrInvalidDeclaration, d.Type)
	}
	if d.Method == "" {
		return nil, fmt.Errorf("%w: %v: missing method", ErrInvalidDeclaration, d.Type)
	}
	m, ok := d.Type.MethodByName(d.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %v has no exported method %s", ErrInvalidDeclaration, d.Type, d.Method)
	}

	matcher, err := matching.Compile(d.Pattern, d.MatchOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v.%s: %w", ErrInvalidDeclaration, d.Type, d.Method, err)
	}

	ep := &Endpoint{
		typ:      d.Type,
		method:   m,
		matcher:  matcher,
		group:    strings.ToUpper(d.Group),
		priority: d.Priority,
		produces: slices.Clone(d.Produces),
		facets:   cloneFacets(d.Facets),
	}
	if ep.group == "" {
		ep.group = GroupAny
	}
	ep.key = d.Type.String() + "." + d.Method + " " + matcher.Kind().String() + ":" + matcher.Template()

	if err := ep.inspectResults(); err != nil {
		return nil, err
	}
	if err := ep.buildParams(d.Params); err != nil {
		return nil, err
	}

	p := d.Provider
	if p == nil {
		p = provider.New()
	}
	bp, err := provider.Bind(p, d.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDeclaration, ep.key, err)
	}
	if !bp.CanProvide(d.Type) {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDeclaration, ep.key, provider.ErrCannotProvide)
	}
	ep.provider = bp
	ep.lock = provider.Locker(bp)
	return ep, nil
}

func cloneFacets(f map[string]string) map[string]string {
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (ep *Endpoint) inspectResults() error {
	mt := ep.method.Type
	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) == errorType {
			ep.returnsError = true
		} else {
			ep.returnsValue = true
		}
	case 2:
		if mt.Out(1) != errorType {
			return fmt.Errorf("%w: %s: second result must be error", ErrInvalidDeclaration, ep.key)
		}
		ep.returnsValue = true
		ep.returnsError = true
	default:
		return fmt.Errorf("%w: %s: at most a value and an error may be returned", ErrInvalidDeclaration, ep.key)
	}
	return nil
}

func (ep *Endpoint) buildParams(hints []ParamHint) error {
	mt := ep.method.Type
	n := mt.NumIn() - 1 // receiver
	if mt.IsVariadic() {
		return fmt.Errorf("%w: %s: variadic operations are not supported", ErrInvalidDeclaration, ep.key)
	}

	byIndex := make(map[int]ParamHint, len(hints))
	for _, h := range hints {
		if h.Index < 0 || h.Index >= n {
			return fmt.Errorf("%w: %s: hint for parameter %d out of range", ErrInvalidDeclaration, ep.key, h.Index)
		}
		if _, dup := byIndex[h.Index]; dup {
			return fmt.Errorf("%w: %s: parameter %d hinted twice", ErrInvalidDeclaration, ep.key, h.Index)
		}
		byIndex[h.Index] = h
	}

	declared := ep.matcher.Params()
	ep.params = make([]Param, n)
	for i := range n {
		t := mt.In(i + 1)
		p := Param{Index: i, Type: t}

		h, hinted := byIndex[i]
		if !hinted {
			if kind := contextKindOf(t); kind != ContextNone {
				p.Source = SourceContext
				p.Context = kind
			} else {
				p.Source = SourcePassThrough
			}
			ep.params[i] = p
			continue
		}

		p.Source = h.Source
		p.Name = h.Name
		p.Required = h.Required
		p.Default = h.Default
		p.Message = h.Message
		p.Numeric, p.Boxed = numericKind(t)

		switch h.Source {
		case SourcePath:
			if !slices.Contains(declared, h.Name) {
				return fmt.Errorf("%w: %s: pattern has no parameter %q", ErrInvalidDeclaration, ep.key, h.Name)
			}
		case SourceQuery, SourceHeader, SourceCookie:
			if h.Name == "" {
				return fmt.Errorf("%w: %s: %s parameter %d needs a name", ErrInvalidDeclaration, ep.key, h.Source, i)
			}
		case SourceFile:
			if h.Name == "" {
				return fmt.Errorf("%w: %s: file parameter %d needs a form field", ErrInvalidDeclaration, ep.key, i)
			}
			if t != fileHeaderType && t != reflect.SliceOf(fileHeaderType) && t != reflect.TypeFor[[]byte]() {
				return fmt.Errorf("%w: %s: file parameter %d has unsupported type %v", ErrInvalidDeclaration, ep.key, i, t)
			}
		case SourceContext:
			p.Context = contextKindOf(t)
			if p.Context == ContextNone {
				return fmt.Errorf("%w: %s: %v is not a context type", ErrInvalidDeclaration, ep.key, t)
			}
		case SourceBody, SourcePassThrough:
		default:
			return fmt.Errorf("%w: %s: unknown source %d", ErrInvalidDeclaration, ep.key, h.Source)
		}

		if h.JSONPath != "" {
			if h.Source != SourceBody {
				return fmt.Errorf("%w: %s: JSONPath only applies to body parameters", ErrInvalidDeclaration, ep.key)
			}
			jp, err := matching.CompileJSONPath(h.JSONPath)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidDeclaration, ep.key, err)
			}
			p.jsonPath = jp
		}
		if h.Schema != "" {
			s, err := compileSchema(fmt.Sprintf("%s.param%d.json", sanitizeKey(ep.key), i), h.Schema)
			if err != nil {
				return fmt.Errorf("%w: %s: schema for parameter %d: %w", ErrInvalidDeclaration, ep.key, i, err)
			}
			p.schema = s
		}
		if h.Rule != "" {
			prog, err := expr.Compile(h.Rule, expr.AsBool())
			if err != nil {
				return fmt.Errorf("%w: %s: rule for parameter %d: %w", ErrInvalidDeclaration, ep.key, i, err)
			}
			p.rule = prog
			p.ruleSrc = h.Rule
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("arg%d", i)
		}
		ep.params[i] = p
	}
	return nil
}

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return compiler.Compile(name)
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, key)
}

// numericKind returns the numeric target kind of t and whether t is boxed.
func numericKind(t reflect.Type) (reflect.Kind, bool) {
	boxed := false
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
		boxed = true
	}
	if t.Implements(textUnmarshal) || reflect.PointerTo(t).Implements(textUnmarshal) {
		return reflect.Invalid, false
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return t.Kind(), boxed
	}
	return reflect.Invalid, false
}

// Key is the endpoint identity: declaring type, operation and pattern.
func (ep *Endpoint) Key() string { return ep.key }

// Type returns the declaring type.
func (ep *Endpoint) Type() reflect.Type { return ep.typ }

// Method returns the operation name.
func (ep *Endpoint) Method() string { return ep.method.Name }

// Pattern returns the route or topic template.
func (ep *Endpoint) Pattern() string { return ep.matcher.Template() }

// Matcher returns the compiled template.
func (ep *Endpoint) Matcher() *matching.Matcher { return ep.matcher }

// Group returns the discriminator the endpoint is registered under.
func (ep *Endpoint) Group() string { return ep.group }

// Priority returns the endpoint priority.
func (ep *Endpoint) Priority() int { return ep.priority }

// Params returns a copy of the parameter descriptors.
func (ep *Endpoint) Params() []Param { return slices.Clone(ep.params) }

// Produces returns the content categories the endpoint renders in.
func (ep *Endpoint) Produces() []exchange.Category { return slices.Clone(ep.produces) }

// Facet returns a protocol-specific facet.
func (ep *Endpoint) Facet(key string) string { return ep.facets[key] }

// Protocol returns the protocol facet.
func (ep *Endpoint) Protocol() string { return ep.facets[FacetProtocol] }

// Provider returns the bound instance provider.
func (ep *Endpoint) Provider() provider.Provider { return ep.provider }

// Match tests target against the endpoint's template.
func (ep *Endpoint) Match(target string) (matching.Bindings, bool) {
	return ep.matcher.Match(target)
}

// String returns a short description for logs.
func (ep *Endpoint) String() string {
	return ep.group + " " + ep.matcher.Template() + " -> " + ep.typ.String() + "." + ep.method.Name
}

// Invoke obtains the instance and calls the operation with args. Guarded
// providers are held for the duration of the call.
func (ep *Endpoint) Invoke(ctx context.Context, args []reflect.Value) (any, error) {
	recv, err := provider.Obtain(ctx, ep.provider, ep.typ)
	if err != nil {
		return nil, err
	}
	if ep.lock != nil {
		ep.lock.Lock()
		defer ep.lock.Unlock()
	}

	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, recv)
	in = append(in, args...)
	out := ep.method.Func.Call(in)

	var (
		value  any
		result error
	)
	if ep.returnsValue {
		if v := out[0]; v.IsValid() && !isNilValue(v) {
			value = v.Interface()
		}
	}
	if ep.returnsError {
		if e := out[len(out)-1]; !e.IsNil() {
			result = e.Interface().(error)
		}
	}
	return value, result
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
