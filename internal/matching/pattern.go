package matching

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/cases"
)

// Kind identifies how a template is matched.
type Kind int

const (
	// KindSegments matches literal segments and {named} slots.
	KindSegments Kind = iota
	// KindRegex matches an RE2 expression (template prefixed with "~").
	KindRegex
	// KindGlob matches a doublestar glob such as "orders/**".
	KindGlob
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRegex:
		return "regex"
	case KindGlob:
		return "glob"
	default:
		return "segments"
	}
}

// Errors returned by Compile.
var (
	ErrEmptyTemplate   = errors.New("matching: empty template")
	ErrInvalidTemplate = errors.New("matching: invalid template")
)

// Bindings maps parameter names to the values they bound.
type Bindings map[string]string

// Get returns the value bound to name.
func (b Bindings) Get(name string) (string, bool) {
	v, ok := b[name]
	return v, ok
}

// Option configures Compile.
type Option func(*options)

type options struct {
	sep  byte
	fold bool
}

// WithSeparator sets the segment separator. Defaults to '/'.
func WithSeparator(sep byte) Option {
	return func(o *options) {
		o.sep = sep
	}
}

// WithCaseFold compares literal segments under Unicode case folding.
func WithCaseFold() Option {
	return func(o *options) {
		o.fold = true
	}
}

// Matcher is a compiled route or topic template. It is immutable and safe for
// concurrent use.
type Matcher struct {
	template string
	kind     Kind
	sep      byte
	fold     bool

	segments []segment
	rest     string
	hasRest  bool

	re   *regexp.Regexp
	glob string

	names []string
}

// Compile parses a template.
//
// Segment templates look like "/users/{id}", "/users/{id:int}",
// "/files/{path...}" or "/a/*/c". Regex templates start with "~" and use
// named capture groups. Templates without slots that contain "**", "?", "["
// or a partial "*" are doublestar globs.
func Compile(template string, opts ...Option) (*Matcher, error) {
	o := options{sep: '/'}
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(template) == "" {
		return nil, ErrEmptyTemplate
	}

	m := &Matcher{template: template, sep: o.sep, fold: o.fold}

	switch {
	case strings.HasPrefix(template, "~"):
		return m.compileRegex(template[1:])
	case isGlob(template, o.sep):
		return m.compileGlob(template)
	default:
		return m.compileSegments(template)
	}
}

// MustCompile is like Compile but panics on error.
func MustCompile(template string, opts ...Option) *Matcher {
	m, err := Compile(template, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func isGlob(template string, sep byte) bool {
	if strings.Contains(template, "{") {
		return false
	}
	if strings.Contains(template, "**") || strings.ContainsAny(template, "?[") {
		return true
	}
	for _, part := range strings.Split(template, string(sep)) {
		if part != "*" && strings.Contains(part, "*") {
			return true
		}
	}
	return false
}

func (m *Matcher) compileRegex(expr string) (*Matcher, error) {
	if m.fold {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTemplate, m.template, err)
	}
	m.kind = KindRegex
	m.re = re
	for i, name := range re.SubexpNames() {
		if i > 0 && name != "" {
			m.names = append(m.names, name)
		}
	}
	return m, nil
}

func (m *Matcher) compileGlob(template string) (*Matcher, error) {
	glob := m.toSlash(template)
	if m.fold {
		glob = cases.Fold().String(glob)
	}
	if !doublestar.ValidatePattern(glob) {
		return nil, fmt.Errorf("%w: bad glob %q", ErrInvalidTemplate, template)
	}
	m.kind = KindGlob
	m.glob = glob
	return m, nil
}

func (m *Matcher) compileSegments(template string) (*Matcher, error) {
	m.kind = KindSegments
	parts := m.split(template)
	seen := make(map[string]bool)

	for i, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTemplate, m.template, err)
		}
		if seg.name != "" {
			if seen[seg.name] {
				return nil, fmt.Errorf("%w: %q: duplicate parameter %q", ErrInvalidTemplate, m.template, seg.name)
			}
			seen[seg.name] = true
			m.names = append(m.names, seg.name)
		}
		if seg.kind == segmentRest {
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q: %q must be the last segment", ErrInvalidTemplate, m.template, part)
			}
			m.rest = seg.name
			m.hasRest = true
			break
		}
		if seg.kind == segmentLiteral && m.fold {
			seg.literal = cases.Fold().String(seg.literal)
		}
		m.segments = append(m.segments, seg)
	}
	return m, nil
}

// Match tests candidate against the template. It either matches completely
// and returns the bindings, or fails. Leading and trailing separators are
// not significant for segment templates.
func (m *Matcher) Match(candidate string) (Bindings, bool) {
	switch m.kind {
	case KindRegex:
		return m.matchRegex(candidate)
	case KindGlob:
		return m.matchGlob(candidate)
	default:
		return m.matchSegments(candidate)
	}
}

// Matches reports whether candidate matches without building bindings.
func (m *Matcher) Matches(candidate string) bool {
	_, ok := m.Match(candidate)
	return ok
}

func (m *Matcher) matchRegex(candidate string) (Bindings, bool) {
	match := m.re.FindStringSubmatch(candidate)
	if match == nil {
		return nil, false
	}
	b := make(Bindings, len(m.names))
	for i, name := range m.re.SubexpNames() {
		if i > 0 && name != "" {
			b[name] = match[i]
		}
	}
	return b, true
}

func (m *Matcher) matchGlob(candidate string) (Bindings, bool) {
	name := m.toSlash(candidate)
	if m.fold {
		name = cases.Fold().String(name)
	}
	ok, err := doublestar.Match(m.glob, name)
	if err != nil || !ok {
		return nil, false
	}
	return Bindings{}, true
}

func (m *Matcher) matchSegments(candidate string) (Bindings, bool) {
	parts := m.split(candidate)
	if m.hasRest {
		if len(parts) <= len(m.segments) {
			return nil, false
		}
	} else if len(parts) != len(m.segments) {
		return nil, false
	}

	var (
		b     Bindings
		caser cases.Caser
	)
	if len(m.names) > 0 {
		b = make(Bindings, len(m.names))
	} else {
		b = Bindings{}
	}
	if m.fold {
		caser = cases.Fold()
	}

	for i, seg := range m.segments {
		part := parts[i]
		switch seg.kind {
		case segmentLiteral:
			if m.fold {
				part = caser.String(part)
			}
			if part != seg.literal {
				return nil, false
			}
		case segmentWildcard:
			if part == "" {
				return nil, false
			}
		case segmentParam:
			if part == "" || (seg.check != nil && !seg.check(part)) {
				return nil, false
			}
			b[seg.name] = part
		}
	}

	if m.hasRest {
		rest := strings.Join(parts[len(m.segments):], string(m.sep))
		if rest == "" {
			return nil, false
		}
		b[m.rest] = rest
	}
	return b, true
}

// split drops every leading and trailing separator and splits on the rest.
// Inner empty segments are kept.
func (m *Matcher) split(s string) []string {
	sep := string(m.sep)
	s = strings.Trim(s, sep)
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}

func (m *Matcher) toSlash(s string) string {
	if m.sep == '/' {
		return s
	}
	return strings.ReplaceAll(s, string(m.sep), "/")
}

// Template returns the source template.
func (m *Matcher) Template() string { return m.template }

// Kind returns how the template is matched.
func (m *Matcher) Kind() Kind { return m.kind }

// Params returns the declared parameter names in template order.
func (m *Matcher) Params() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// String returns the template.
func (m *Matcher) String() string { return m.template }
