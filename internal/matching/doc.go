// Package matching compiles route and topic templates into matchers.
//
// Three template kinds are supported:
//
//   - Segment templates: literal segments and {named} slots, e.g. "/users/{id}".
//     Slots may be typed ({id:int}, {id:uint}, {n:float}, {u:uuid}, {s:alpha})
//     or constrained by a regular expression ({code:[A-Z]{3}}). "*" matches any
//     single segment and a trailing {rest...} binds the remainder.
//   - Regex templates: prefixed with "~", matched against the whole candidate,
//     named capture groups become bindings.
//   - Glob templates: doublestar patterns such as "orders/**", without bindings.
//
// Matching is total: a candidate either matches the full template and yields
// its bindings, or fails. Segment matching ignores any run of separators at
// either end of the template or the candidate, so "/users/42/", "users/42"
// and "//users/42//" all match "/users/{id}". Separators inside the path are
// significant: "/users//42" has an empty segment. A compiled Matcher is immutable and safe for
// concurrent use.
//
// The package also carries JSONPath, a compiled expression used to bind
// fragments of JSON bodies.
package matching
