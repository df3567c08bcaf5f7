package endpoint

import (
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/logging"
)

// Call carries the per-call objects arguments are resolved from.
type Call struct {
	Ctx      context.Context
	Request  *exchange.Request
	Response *exchange.Response
	Conn     *conn.Conn
	Bindings matching.Bindings
}

// Resolver resolves pass-through parameters for one façade.
type Resolver interface {
	Resolve(call *Call, p Param) (any, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(call *Call, p Param) (any, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(call *Call, p Param) (any, bool) { return f(call, p) }

// Injector builds call arguments for matched endpoints.
type Injector struct {
	// StrictNumeric records primitive numeric coercion failures as
	// validation failures. The argument is still 0.
	StrictNumeric bool

	// Resolvers are asked, in order, for pass-through parameters.
	Resolvers []Resolver

	Log *slog.Logger
}

// body caches the decoded JSON document for one call.
type body struct {
	raw    []byte
	parsed bool
	doc    any
	err    error
}

func (b *body) document() (any, error) {
	if !b.parsed {
		b.parsed = true
		if len(b.raw) == 0 {
			b.err = io.EOF
		} else {
			b.err = json.Unmarshal(b.raw, &b.doc)
		}
	}
	return b.doc, b.err
}

// Inject resolves one argument per parameter of ep. Binding failures never
// abort the call: they yield nil or zero values and are recorded in the
// returned Validation, which is also what *Validation parameters receive.
func (in *Injector) Inject(ep *Endpoint, call *Call) ([]reflect.Value, *Validation) {
	v := &Validation{}
	if call.Ctx == nil {
		call.Ctx = context.Background()
	}
	b := &body{}
	if call.Request != nil {
		b.raw = call.Request.Body
	}

	args := make([]reflect.Value, len(ep.params))
	for i := range ep.params {
		args[i] = in.resolve(&ep.params[i], call, v, b)
	}
	return args, v
}

func (in *Injector) log() *slog.Logger {
	return logging.OrNop(in.Log)
}

func (in *Injector) resolve(p *Param, call *Call, v *Validation, b *body) reflect.Value {
	switch p.Source {
	case SourceContext:
		return contextValue(p, call, v)
	case SourcePassThrough:
		for _, r := range in.Resolvers {
			if val, ok := r.Resolve(call, *p); ok {
				if rv := reflect.ValueOf(val); rv.IsValid() && rv.Type().AssignableTo(p.Type) {
					return rv
				}
			}
		}
		return reflect.Zero(p.Type)
	case SourceFile:
		return in.fileValue(p, call, v)
	case SourceBody:
		return in.bodyValue(p, v, b)
	}

	raw, present := lookup(p, call)
	if !present && p.Default != "" {
		raw, present = p.Default, true
	}
	if p.Type.Kind() == reflect.Slice && p.Type.Elem().Kind() == reflect.String && p.Source == SourceQuery {
		var values []string
		if call.Request != nil {
			values = call.Request.Query[p.Name]
		}
		if len(values) == 0 && present {
			values = []string{raw}
		}
		out := reflect.MakeSlice(p.Type, len(values), len(values))
		for i, s := range values {
			out.Index(i).SetString(s)
		}
		in.validate(p, v, out, raw, len(values) > 0, true)
		return out
	}

	out, ok := in.coerce(p, raw, present)
	in.validate(p, v, out, raw, present, ok)
	return out
}

func lookup(p *Param, call *Call) (string, bool) {
	r := call.Request
	switch p.Source {
	case SourcePath:
		val, ok := call.Bindings[p.Name]
		return val, ok
	case SourceQuery:
		if r == nil || r.Query == nil {
			return "", false
		}
		if !r.Query.Has(p.Name) {
			return "", false
		}
		return r.Query.Get(p.Name), true
	case SourceHeader:
		if r == nil || r.Header == nil {
			return "", false
		}
		vals := r.Header.Values(p.Name)
		if len(vals) == 0 {
			return "", false
		}
		return vals[0], true
	case SourceCookie:
		if r == nil {
			return "", false
		}
		return r.Cookie(p.Name)
	}
	return "", false
}

func contextValue(p *Param, call *Call, v *Validation) reflect.Value {
	var val any
	switch p.Context {
	case ContextCtx:
		val = call.Ctx
	case ContextRequest:
		val = call.Request
	case ContextResponse:
		val = call.Response
	case ContextConn:
		val = call.Conn
	case ContextBindings:
		if call.Bindings == nil {
			call.Bindings = matching.Bindings{}
		}
		val = call.Bindings
	case ContextAttributes:
		if call.Conn != nil {
			val = call.Conn.Attributes()
		}
	case ContextValidation:
		val = v
	}
	rv := reflect.ValueOf(val)
	if !rv.IsValid() || isNilValue(rv) || !rv.Type().AssignableTo(p.Type) {
		return reflect.Zero(p.Type)
	}
	return rv
}

// coerce converts a source string to the parameter type. Numeric failures
// yield nil for boxed targets and 0 for primitive ones; ok is false for any
// value that could not be converted.
func (in *Injector) coerce(p *Param, raw string, present bool) (reflect.Value, bool) {
	if !present {
		return reflect.Zero(p.Type), true
	}
	t := p.Type
	if p.Numeric != reflect.Invalid {
		elem := t
		if p.Boxed {
			elem = t.Elem()
		}
		nv, err := parseNumber(raw, elem)
		if err != nil {
			in.log().Debug("numeric coercion failed",
				"param", p.Name, "kind", p.Numeric.String(), "boxed", p.Boxed, "value", raw)
			return reflect.Zero(t), false
		}
		if p.Boxed {
			ptr := reflect.New(elem)
			ptr.Elem().Set(nv)
			return ptr, true
		}
		return nv, true
	}
	return convertString(raw, t)
}

func parseNumber(raw string, t reflect.Type) (reflect.Value, error) {
	raw = strings.TrimSpace(raw)
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, t.Bits())
		if err != nil {
			return out, err
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, t.Bits())
		if err != nil {
			return out, err
		}
		out.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, t.Bits())
		if err != nil {
			return out, err
		}
		out.SetFloat(f)
	default:
		return out, fmt.Errorf("not numeric: %v", t)
	}
	return out, nil
}

// convertString handles non-numeric targets.
func convertString(raw string, t reflect.Type) (reflect.Value, bool) {
	boxed := t.Kind() == reflect.Pointer
	elem := t
	if boxed {
		elem = t.Elem()
	}

	ptr := reflect.New(elem)
	if u, ok := ptr.Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(raw)); err != nil {
			return reflect.Zero(t), false
		}
		if boxed {
			return ptr, true
		}
		return ptr.Elem(), true
	}

	val := ptr.Elem()
	switch elem.Kind() {
	case reflect.String:
		val.SetString(raw)
	case reflect.Bool:
		bv, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return reflect.Zero(t), false
		}
		val.SetBool(bv)
	case reflect.Slice:
		if elem.Elem().Kind() != reflect.Uint8 {
			return reflect.Zero(t), false
		}
		val.SetBytes([]byte(raw))
	case reflect.Interface:
		if !reflect.TypeFor[string]().AssignableTo(elem) {
			return reflect.Zero(t), false
		}
		val.Set(reflect.ValueOf(raw))
	default:
		if err := json.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
			return reflect.Zero(t), false
		}
	}
	if boxed {
		return ptr, true
	}
	return val, true
}

func (in *Injector) bodyValue(p *Param, v *Validation, b *body) reflect.Value {
	var (
		selected any
		present  bool
		rawText  string
		docErr   error
	)

	if p.jsonPath != nil || p.schema != nil {
		doc, err := b.document()
		if err == nil {
			selected, present = doc, true
			if p.jsonPath != nil {
				selected, present = p.jsonPath.First(doc)
			}
		} else if len(b.raw) > 0 {
			docErr = err
		}
	} else {
		present = len(b.raw) > 0
	}

	if p.jsonPath == nil {
		rawText = string(b.raw)
	} else if present {
		if s, ok := selected.(string); ok {
			rawText = s
		} else if enc, err := json.Marshal(selected); err == nil {
			rawText = string(enc)
		}
	}

	if !present && p.Default != "" {
		rawText, present = p.Default, true
		selected = nil
	}

	var (
		out reflect.Value
		ok  bool
	)
	switch {
	case !present:
		out, ok = reflect.Zero(p.Type), true
	case p.Numeric != reflect.Invalid:
		out, ok = in.coerce(p, rawText, true)
	case p.jsonPath == nil && p.Type == reflect.TypeFor[[]byte]():
		out, ok = reflect.ValueOf(b.raw), true
	default:
		out, ok = convertString(rawText, p.Type)
	}

	if docErr != nil {
		if p.Validated() {
			v.Record(p.Name, false, messageOr(p, "invalid JSON body: "+docErr.Error()))
		}
		return out
	}
	if p.schema != nil {
		if !present {
			v.Record(p.Name, !p.Required, messageOr(p, "missing body"))
			return out
		}
		if err := p.schema.Validate(selected); err != nil {
			v.Record(p.Name, false, messageOr(p, schemaMessage(err)))
			return out
		}
	}
	in.validate(p, v, out, rawText, present, ok)
	return out
}

func (in *Injector) fileValue(p *Param, call *Call, v *Validation) reflect.Value {
	var files []*multipart.FileHeader
	if call.Request != nil {
		files = call.Request.Files[p.Name]
	}
	present := len(files) > 0
	out := reflect.Zero(p.Type)
	ok := true

	switch {
	case !present:
	case p.Type == fileHeaderType:
		out = reflect.ValueOf(files[0])
	case p.Type == reflect.SliceOf(fileHeaderType):
		out = reflect.ValueOf(files)
	default:
		data, err := readFile(files[0])
		if err != nil {
			ok = false
			in.log().Warn("failed to read uploaded file", "field", p.Name, "error", err)
		} else {
			out = reflect.ValueOf(data)
		}
	}
	in.validate(p, v, out, p.Name, present, ok)
	return out
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// validate records the result for validated params and, with StrictNumeric,
// for primitive numeric coercion failures.
func (in *Injector) validate(p *Param, v *Validation, out reflect.Value, raw string, present, coerced bool) {
	strictFailure := in.StrictNumeric && !coerced && p.Numeric != reflect.Invalid && !p.Boxed
	if !p.Validated() && !strictFailure {
		return
	}

	switch {
	case !present:
		if p.Required {
			v.Record(p.Name, false, messageOr(p, "missing "+p.Source.String()+" parameter "+p.Name))
			return
		}
		v.Record(p.Name, true, "")
		return
	case !coerced:
		msg := "invalid value"
		if p.Numeric != reflect.Invalid {
			msg = "invalid " + p.Numeric.String()
		}
		v.Record(p.Name, false, messageOr(p, fmt.Sprintf("%s for %s: %q", msg, p.Name, raw)))
		return
	}

	if p.rule == nil {
		v.Record(p.Name, true, "")
		return
	}
	env := map[string]any{
		"value":   ruleValue(out),
		"raw":     raw,
		"present": present,
		"name":    p.Name,
	}
	res, err := expr.Run(p.rule, env)
	if err != nil {
		v.Record(p.Name, false, messageOr(p, "rule error: "+err.Error()))
		return
	}
	passed, _ := res.(bool)
	if passed {
		v.Record(p.Name, true, "")
		return
	}
	v.Record(p.Name, false, messageOr(p, "failed rule "+p.ruleSrc))
}

func ruleValue(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func messageOr(p *Param, fallback string) string {
	if p.Message != "" {
		return p.Message
	}
	return fallback
}

// schemaMessage flattens a schema validation error into one line.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.ReplaceAll(strings.TrimPrefix(e.InstanceLocation, "/"), "/", ".")
			if field != "" {
				parts = append(parts, field+": "+e.Message)
			} else {
				parts = append(parts, e.Message)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
