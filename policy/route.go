// Package policy decides whether CSRF protection applies to a given
// (method, path) pair, combining a global default with per-route overrides.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidRouteKey is returned when a route key cannot be parsed.
	ErrInvalidRouteKey = errors.New("policy: invalid route key")
	// ErrInvalidPattern is returned when a path or regex pattern is malformed.
	ErrInvalidPattern = errors.New("policy: invalid pattern")
)

// Kind identifies how an override matches request paths. Lower values win
// when several overrides match the same request.
type Kind int

const (
	KindExact Kind = iota
	KindParam
	KindRegex
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindParam:
		return "param"
	case KindRegex:
		return "regex"
	}
	return "unknown"
}

// MethodAll is the verb used in route keys to cover every method.
const MethodAll = "ALL"

// Override is a single per-route CSRF setting.
type Override struct {
	// Key is the route key as written in configuration, e.g. "POST /foo/:id".
	Key string
	Kind Kind
	// Pattern is the normalized path: a literal path, a chi-style
	// parameterized path ("/foo/{id}") or a regex source.
	Pattern string
	// Method is an upper-case verb, or empty for all methods.
	Method  string
	Enabled bool

	re *regexp.Regexp
}

// AllMethods reports whether the override applies regardless of verb.
func (o Override) AllMethods() bool { return o.Method == "" }

// ParseOverride parses a route key of the form "[METHOD] <path-or-pattern>".
//
// The path may be a literal ("/user"), parameterized ("/user/:id",
// "/user/{id}", "/files/*") or a regex literal ("r|user/\d+|", optionally
// followed by capture names after the closing bar, which are ignored).
func ParseOverride(key string, enabled bool) (Override, error) {
	o := Override{Key: key, Enabled: enabled}

	rest := strings.TrimSpace(key)
	if rest == "" {
		return o, fmt.Errorf("%w: empty key", ErrInvalidRouteKey)
	}
	if verb, target, ok := strings.Cut(rest, " "); ok && isVerb(verb) {
		o.Method = strings.ToUpper(verb)
		if o.Method == MethodAll {
			o.Method = ""
		}
		rest = strings.TrimSpace(target)
	}

	switch {
	case strings.HasPrefix(rest, "r|"):
		src, err := regexSource(rest)
		if err != nil {
			return o, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, key, err)
		}
		re, err := regexp.Compile(`^/?(?:` + src + `)$`)
		if err != nil {
			return o, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, key, err)
		}
		o.Kind = KindRegex
		o.Pattern = src
		o.re = re
	case strings.HasPrefix(rest, "/"):
		pattern, param, err := normalizePath(rest)
		if err != nil {
			return o, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, key, err)
		}
		o.Pattern = pattern
		if param {
			o.Kind = KindParam
		} else {
			o.Kind = KindExact
		}
	default:
		return o, fmt.Errorf("%w: %q: path must start with / or r|", ErrInvalidRouteKey, key)
	}
	return o, nil
}

func isVerb(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

// regexSource extracts the pattern between "r|" and the last "|".
func regexSource(s string) (string, error) {
	body := strings.TrimPrefix(s, "r|")
	end := strings.LastIndex(body, "|")
	if end < 0 {
		return "", errors.New("missing closing |")
	}
	src := body[:end]
	if src == "" {
		return "", errors.New("empty regex")
	}
	return src, nil
}

// normalizePath rewrites ":name" segments to chi's "{name}" form and reports
// whether the result contains any parameter or wildcard.
func normalizePath(p string) (string, bool, error) {
	p = trimSlash(p)
	if p == "/" {
		return p, false, nil
	}
	segs := strings.Split(p[1:], "/")
	param := false
	for i, seg := range segs {
		switch {
		case seg == "":
			return "", false, errors.New("empty path segment")
		case strings.HasPrefix(seg, ":"):
			name := strings.TrimSuffix(seg[1:], "?")
			if name == "" {
				return "", false, errors.New("unnamed parameter")
			}
			segs[i] = "{" + name + "}"
			param = true
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			param = true
		case seg == "*":
			if i != len(segs)-1 {
				return "", false, errors.New("wildcard must be the last segment")
			}
			param = true
		case strings.ContainsAny(seg, "{}*"):
			return "", false, fmt.Errorf("unsupported segment %q", seg)
		}
	}
	return "/" + strings.Join(segs, "/"), param, nil
}

func trimSlash(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			return "/"
		}
	}
	return p
}
