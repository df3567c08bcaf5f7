// Package provider supplies the instances endpoint operations are invoked on.
//
// A Provider answers CanProvide for a type and returns an instance from
// Provide. Per-registration kinds also implement Binder: the registry calls
// Bind once when an endpoint is registered, so every endpoint owns exactly one
// instance and reuse across calls is explicit. Shared singletons that are not
// safe for concurrent use implement Guarded and are invoked one call at a
// time.
package provider

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Error is a simple error type for provider errors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

const (
	// ErrCannotProvide is returned when a provider is asked for a type it
	// does not supply.
	ErrCannotProvide = Error("provider cannot supply type")

	// ErrInvalidConstructor is returned for constructors with a bad signature
	// or mismatched arguments.
	ErrInvalidConstructor = Error("invalid constructor")
)

// Provider supplies instances.
type Provider interface {
	// CanProvide reports whether Provide returns a value assignable to t.
	CanProvide(t reflect.Type) bool

	// Provide returns an instance assignable to t.
	Provide(ctx context.Context, t reflect.Type) (any, error)
}

// Binder is implemented by per-registration providers. Bind creates the
// instance owned by one endpoint registration.
type Binder interface {
	Bind(t reflect.Type) (Provider, error)
}

// Guarded is implemented by providers whose shared instance must only be
// used by one call at a time.
type Guarded interface {
	Locker() sync.Locker
}

// Obtain checks CanProvide, calls Provide and verifies the result is
// assignable to t.
func Obtain(ctx context.Context, p Provider, t reflect.Type) (reflect.Value, error) {
	if p == nil || !p.CanProvide(t) {
		return reflect.Value{}, fmt.Errorf("%w: %v", ErrCannotProvide, t)
	}
	v, err := p.Provide(ctx, t)
	if err != nil {
		return reflect.Value{}, err
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || !rv.Type().AssignableTo(t) {
		return reflect.Value{}, fmt.Errorf("%w: provider returned %T for %v", ErrCannotProvide, v, t)
	}
	return rv, nil
}

// Locker returns the provider's lock when it is Guarded, or nil.
func Locker(p Provider) sync.Locker {
	if g, ok := p.(Guarded); ok {
		return g.Locker()
	}
	return nil
}

// Bind resolves p for one registration of type t. Providers that are not
// Binders are returned unchanged.
func Bind(p Provider, t reflect.Type) (Provider, error) {
	b, ok := p.(Binder)
	if !ok {
		return p, nil
	}
	return b.Bind(t)
}

var errorType = reflect.TypeFor[error]()

// bound holds the instance created for one registration.
type bound struct {
	instance any
	typ      reflect.Type
}

func (b *bound) CanProvide(t reflect.Type) bool {
	return b.typ.AssignableTo(t)
}

func (b *bound) Provide(context.Context, reflect.Type) (any, error) {
	return b.instance, nil
}

// Instance returns the bound instance.
func (b *bound) Instance() any { return b.instance }

// newInstance allocates the zero value of the declaring type.
type newInstance struct{}

// New returns a per-registration provider that allocates a zero value of the
// requested type: a pointer type gets a pointer to a fresh value.
func New() Provider { return newInstance{} }

func (newInstance) CanProvide(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct
	case reflect.Struct:
		return true
	}
	return false
}

func (n newInstance) Provide(_ context.Context, t reflect.Type) (any, error) {
	if !n.CanProvide(t) {
		return nil, fmt.Errorf("%w: %v", ErrCannotProvide, t)
	}
	return allocate(t).Interface(), nil
}

func (n newInstance) Bind(t reflect.Type) (Provider, error) {
	if !n.CanProvide(t) {
		return nil, fmt.Errorf("%w: %v", ErrCannotProvide, t)
	}
	return &bound{instance: allocate(t).Interface(), typ: t}, nil
}

func allocate(t reflect.Type) reflect.Value {
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem())
	}
	return reflect.New(t).Elem()
}

// constructor calls a function to build instances.
type constructor struct {
	fn   reflect.Value
	out  reflect.Type
	args []reflect.Value
	err  error
}

// Constructor returns a per-registration provider built by fn.
func Constructor[T any](fn func() T) Provider {
	return &constructor{fn: reflect.ValueOf(fn), out: reflect.TypeFor[T]()}
}

// ConstructorWithArgs returns a per-registration provider that calls fn with
// args. fn must return one value, optionally followed by an error. The arity
// and argument types are checked when the provider is bound.
func ConstructorWithArgs(fn any, args ...any) Provider {
	c := &constructor{fn: reflect.ValueOf(fn)}
	if !c.fn.IsValid() || c.fn.Kind() != reflect.Func {
		c.err = fmt.Errorf("%w: %T is not a function", ErrInvalidConstructor, fn)
		return c
	}
	ft := c.fn.Type()
	switch {
	case ft.NumOut() == 1:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
	default:
		c.err = fmt.Errorf("%w: %v must return a value and optionally an error", ErrInvalidConstructor, ft)
		return c
	}
	c.out = ft.Out(0)

	if ft.IsVariadic() || ft.NumIn() != len(args) {
		c.err = fmt.Errorf("%w: %v takes %d arguments, got %d", ErrInvalidConstructor, ft, ft.NumIn(), len(args))
		return c
	}
	for i, a := range args {
		in := ft.In(i)
		if a == nil {
			switch in.Kind() {
			case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
				c.args = append(c.args, reflect.Zero(in))
				continue
			}
			c.err = fmt.Errorf("%w: argument %d: nil for %v", ErrInvalidConstructor, i, in)
			return c
		}
		av := reflect.ValueOf(a)
		if !av.Type().AssignableTo(in) {
			c.err = fmt.Errorf("%w: argument %d: %T is not assignable to %v", ErrInvalidConstructor, i, a, in)
			return c
		}
		c.args = append(c.args, av)
	}
	return c
}

func (c *constructor) CanProvide(t reflect.Type) bool {
	return c.err == nil && c.out != nil && c.out.AssignableTo(t)
}

func (c *constructor) Provide(_ context.Context, t reflect.Type) (any, error) {
	if c.err != nil {
		return nil, c.err
	}
	if !c.CanProvide(t) {
		return nil, fmt.Errorf("%w: %v", ErrCannotProvide, t)
	}
	return c.build()
}

func (c *constructor) Bind(t reflect.Type) (Provider, error) {
	if c.err != nil {
		return nil, c.err
	}
	if !c.CanProvide(t) {
		return nil, fmt.Errorf("%w: constructor returns %v, need %v", ErrCannotProvide, c.out, t)
	}
	v, err := c.build()
	if err != nil {
		return nil, err
	}
	return &bound{instance: v, typ: c.out}, nil
}

func (c *constructor) build() (any, error) {
	out := c.fn.Call(c.args)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	if isNil(out[0]) {
		return nil, fmt.Errorf("%w: constructor returned nil", ErrInvalidConstructor)
	}
	return out[0].Interface(), nil
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// singleton wraps one pre-existing instance shared by every registration.
type singleton struct {
	instance any
	typ      reflect.Type
	mu       *sync.Mutex
}

// Singleton shares v across every endpoint and call. v must be safe for
// concurrent use.
func Singleton(v any) Provider {
	return &singleton{instance: v, typ: reflect.TypeOf(v)}
}

// SerializedSingleton shares v but runs one call on it at a time.
func SerializedSingleton(v any) Provider {
	return &guardedSingleton{singleton{instance: v, typ: reflect.TypeOf(v), mu: new(sync.Mutex)}}
}

func (s *singleton) CanProvide(t reflect.Type) bool {
	return s.typ != nil && s.typ.AssignableTo(t)
}

func (s *singleton) Provide(_ context.Context, t reflect.Type) (any, error) {
	if !s.CanProvide(t) {
		return nil, fmt.Errorf("%w: %v", ErrCannotProvide, t)
	}
	return s.instance, nil
}

type guardedSingleton struct {
	singleton
}

func (g *guardedSingleton) Locker() sync.Locker { return g.mu }

// FactoryFunc builds an instance for a type.
type FactoryFunc func(ctx context.Context, t reflect.Type) (any, error)

type factory struct {
	fn    FactoryFunc
	types []reflect.Type
}

// Factory delegates instance creation to an external factory, called on every
// Provide. types lists what it can supply; none means any type, in which case
// the returned value is still checked for assignability.
func Factory(fn FactoryFunc, types ...reflect.Type) Provider {
	return &factory{fn: fn, types: types}
}

func (f *factory) CanProvide(t reflect.Type) bool {
	if f.fn == nil {
		return false
	}
	if len(f.types) == 0 {
		return true
	}
	for _, ft := range f.types {
		if ft.AssignableTo(t) {
			return true
		}
	}
	return false
}

func (f *factory) Provide(ctx context.Context, t reflect.Type) (any, error) {
	if !f.CanProvide(t) {
		return nil, fmt.Errorf("%w: %v", ErrCannotProvide, t)
	}
	v, err := f.fn(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("factory for %v: %w", t, err)
	}
	if v == nil || !reflect.TypeOf(v).AssignableTo(t) {
		return nil, fmt.Errorf("%w: factory returned %T for %v", ErrCannotProvide, v, t)
	}
	return v, nil
}
