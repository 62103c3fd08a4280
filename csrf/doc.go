// Package csrf provides session-bound CSRF protection for Go net/http servers.
//
// How it works
//   - Each session holds one token, created on first use and stable for the
//     life of the session.
//   - A route policy (see package policy) decides per method and path whether
//     tokens are enforced: a global default plus exact, parameterized and
//     regex overrides.
//   - Safe methods (GET, HEAD, OPTIONS) are never rejected. Unsafe methods
//     (POST, PUT, PATCH, DELETE) on an enforced route must present the
//     session token in the X-CSRF-Token header or a "_csrf" query, form or
//     JSON field. Comparison is done in constant time.
//   - Without a session (sessions disabled) requests pass through untouched.
//
// # Configuration
//
// All behavior is driven by Config. Key fields include:
//   - Policy (or Enabled when no per-route overrides are needed)
//   - HeaderName (default: "X-CSRF-Token"), FormField (default: "_csrf")
//   - Sessions (default: the session attached by session.Manager)
//   - Generate (default: NewToken, a random 36-character UUID)
//
// Typical usage
//
//	matcher, err := policy.NewMatcher(true, overrides)
//	p := csrf.New(csrf.Config{Policy: matcher})
//	sessions := session.NewManager(session.NewMemoryStore(24*time.Hour), session.Options{}, logger)
//	http.ListenAndServe(":8080", sessions.Middleware(p.Protect(appMux)))
//
// Templates read the token from the "_csrf" view local (see package view);
// handlers can use TokenFromContext. For SPAs, mount the grant endpoint:
//
//	r.Get("/csrfToken", p.TokenHandler().ServeHTTP)
package csrf
