package policy

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Decision is the outcome of resolving a request against the policy.
type Decision struct {
	Enforced bool
	// Override is the override that decided, or nil when the global
	// default applied.
	Override *Override
}

// Matcher resolves CSRF enforcement for requests. It is built once from
// configuration and is safe for concurrent use.
type Matcher struct {
	def       bool
	exact     map[string][]*Override
	params    map[string]*paramIndex
	regexes   []*Override
	overrides []Override
}

// paramIndex is a chi routing tree holding the parameterized patterns that
// apply to one HTTP method ("" holds the method-less ones only).
type paramIndex struct {
	mux     *chi.Mux
	entries map[string]*Override
}

var noop = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// NewMatcher builds a Matcher from a global default and a set of overrides.
// Declaration order does not matter: overrides are sorted by key so that
// equal-specificity conflicts always resolve the same way.
func NewMatcher(def bool, overrides []Override) (*Matcher, error) {
	m := &Matcher{
		def:       def,
		exact:     make(map[string][]*Override),
		params:    make(map[string]*paramIndex),
		overrides: make([]Override, len(overrides)),
	}
	copy(m.overrides, overrides)
	sort.SliceStable(m.overrides, func(i, j int) bool {
		return m.overrides[i].Key < m.overrides[j].Key
	})

	var params []*Override
	for i := range m.overrides {
		o := &m.overrides[i]
		switch o.Kind {
		case KindExact:
			m.exact[o.Pattern] = append(m.exact[o.Pattern], o)
		case KindParam:
			params = append(params, o)
		case KindRegex:
			if o.re == nil {
				return nil, fmt.Errorf("%w: %q was not built by ParseOverride", ErrInvalidPattern, o.Key)
			}
			m.regexes = append(m.regexes, o)
		default:
			return nil, fmt.Errorf("%w: unknown kind for %q", ErrInvalidRouteKey, o.Key)
		}
	}

	for _, list := range m.exact {
		sort.SliceStable(list, func(i, j int) bool {
			return !list[i].AllMethods() && list[j].AllMethods()
		})
	}

	// Longer sources are treated as more specific; ties keep key order.
	sort.SliceStable(m.regexes, func(i, j int) bool {
		return len(m.regexes[i].Pattern) > len(m.regexes[j].Pattern)
	})

	if err := m.buildParams(params); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matcher) buildParams(params []*Override) error {
	if len(params) == 0 {
		return nil
	}
	methods := map[string]bool{"": true}
	for _, o := range params {
		methods[o.Method] = true
	}
	for method := range methods {
		idx := &paramIndex{mux: chi.NewRouter(), entries: make(map[string]*Override)}
		for _, o := range params {
			if o.Method != method && !o.AllMethods() {
				continue
			}
			// Patterns differing only in parameter names share one tree
			// node, so they must share one entry too.
			shape := canonicalParams(o.Pattern)
			cur, ok := idx.entries[shape]
			if ok && (!cur.AllMethods() || o.AllMethods()) {
				continue
			}
			idx.entries[shape] = o
		}
		shapes := make([]string, 0, len(idx.entries))
		for shape := range idx.entries {
			shapes = append(shapes, shape)
		}
		sort.Strings(shapes)
		for _, shape := range shapes {
			if err := register(idx.mux, shape); err != nil {
				return err
			}
		}
		m.params[method] = idx
	}
	return nil
}

// canonicalParams renames the parameters of a chi pattern by position,
// keeping any regexp constraint: "/foo/{id}/{slug:[a-z]+}" becomes
// "/foo/{p0}/{p1:[a-z]+}".
func canonicalParams(pattern string) string {
	segs := strings.Split(pattern, "/")
	n := 0
	for i, seg := range segs {
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
			continue
		}
		name := "p" + strconv.Itoa(n)
		n++
		if _, rexpat, ok := strings.Cut(seg[1:len(seg)-1], ":"); ok {
			name += ":" + rexpat
		}
		segs[i] = "{" + name + "}"
	}
	return strings.Join(segs, "/")
}

// register adds pattern to mux, turning chi's registration panics into errors.
func register(mux *chi.Mux, pattern string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, r)
		}
	}()
	mux.Handle(pattern, noop)
	return nil
}

// Default returns the global default policy.
func (m *Matcher) Default() bool { return m.def }

// Overrides returns the configured overrides in resolution order of keys.
func (m *Matcher) Overrides() []Override {
	out := make([]Override, len(m.overrides))
	copy(out, m.overrides)
	return out
}

// Enforced reports whether CSRF protection applies to method and path.
func (m *Matcher) Enforced(method, path string) bool {
	return m.Resolve(method, path).Enforced
}

// Resolve finds the most specific override for method and path. Exact
// paths win over parameterized paths, which win over regex patterns.
func (m *Matcher) Resolve(method, path string) Decision {
	path = trimSlash(path)
	if path == "" {
		path = "/"
	}

	for _, o := range m.exact[path] {
		if o.AllMethods() || o.Method == method {
			return Decision{Enforced: o.Enabled, Override: o}
		}
	}

	if o := m.matchParam(method, path); o != nil {
		return Decision{Enforced: o.Enabled, Override: o}
	}

	for _, o := range m.regexes {
		if (o.AllMethods() || o.Method == method) && o.re.MatchString(path) {
			return Decision{Enforced: o.Enabled, Override: o}
		}
	}

	return Decision{Enforced: m.def}
}

func (m *Matcher) matchParam(method, path string) *Override {
	if len(m.params) == 0 {
		return nil
	}
	idx, ok := m.params[method]
	if !ok {
		idx = m.params[""]
	}
	rctx := chi.NewRouteContext()
	// Every pattern is registered for all verbs; the index is already
	// specific to the request method.
	if !idx.mux.Match(rctx, http.MethodGet, path) {
		return nil
	}
	if n := len(rctx.RoutePatterns); n > 0 {
		if o, ok := idx.entries[rctx.RoutePatterns[n-1]]; ok {
			return o
		}
	}
	return idx.entries[rctx.RoutePattern()]
}
