package matching

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentWildcard
	segmentRest
)

type segment struct {
	kind    segmentKind
	literal string
	name    string
	check   func(string) bool
}

// namedChecks are the built-in slot types usable as {name:type}.
var namedChecks = map[string]func(string) bool{
	"int": func(s string) bool {
		_, err := strconv.ParseInt(s, 10, 64)
		return err == nil
	},
	"uint": func(s string) bool {
		_, err := strconv.ParseUint(s, 10, 64)
		return err == nil
	},
	"float": func(s string) bool {
		_, err := strconv.ParseFloat(s, 64)
		return err == nil
	},
	"uuid": func(s string) bool {
		return uuid.Validate(s) == nil
	},
	"alpha": func(s string) bool {
		for _, r := range s {
			if !unicode.IsLetter(r) {
				return false
			}
		}
		return s != ""
	},
}

func parseSegment(part string) (segment, error) {
	if part == "*" {
		return segment{kind: segmentWildcard}, nil
	}
	if !strings.HasPrefix(part, "{") {
		if strings.ContainsAny(part, "{}") {
			return segment{}, fmt.Errorf("segment %q mixes literal text and a parameter", part)
		}
		return segment{kind: segmentLiteral, literal: part}, nil
	}
	if !strings.HasSuffix(part, "}") {
		return segment{}, fmt.Errorf("unterminated parameter %q", part)
	}

	inner := part[1 : len(part)-1]
	name, constraint, hasConstraint := strings.Cut(inner, ":")

	if rest, ok := strings.CutSuffix(name, "..."); ok {
		if hasConstraint {
			return segment{}, fmt.Errorf("rest parameter %q cannot be constrained", part)
		}
		if !validName(rest) {
			return segment{}, fmt.Errorf("invalid parameter name in %q", part)
		}
		return segment{kind: segmentRest, name: rest}, nil
	}

	if !validName(name) {
		return segment{}, fmt.Errorf("invalid parameter name in %q", part)
	}
	seg := segment{kind: segmentParam, name: name}
	if !hasConstraint {
		return seg, nil
	}
	if constraint == "" {
		return segment{}, fmt.Errorf("empty constraint in %q", part)
	}
	if check, ok := namedChecks[constraint]; ok {
		seg.check = check
		return seg, nil
	}
	re, err := regexp.Compile("^(?:" + constraint + ")$")
	if err != nil {
		return segment{}, fmt.Errorf("constraint %q: %w", constraint, err)
	}
	seg.check = re.MatchString
	return seg, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
