package csrf

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JeanGrijp/csrfguard/view"
)

// Methods that never need a token. Every other verb, including ones this
// package has never heard of, must present one.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Protect wraps next and enforces CSRF protection.
//
// Behavior:
//   - The route policy decides whether the request is protected. Requests
//     without a session are never protected.
//   - For protected requests the session token is loaded (and created on
//     first use). Every method except GET, HEAD and OPTIONS must present it
//     via header, query, form or JSON field; otherwise the request is
//     rejected with 403 and next is not called.
//   - Requests that get through see the token in the "_csrf" view local
//     and via TokenFromContext. The local is "" when protection is off.
//
// Params:
// - next: downstream handler to be executed after CSRF checks pass.
//
// Returns:
// - An http.Handler that performs the CSRF logic before delegating to next.
func (p *Protector) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := p.cfg

		r, locals := view.WithLocals(r)
		locals[LocalName] = ""

		decision := p.policy.Resolve(r.Method, r.URL.Path)
		sess, ok := cfg.Sessions(r)
		if !decision.Enforced || !ok {
			p.metrics.observe(outcomeBypassed)
			p.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Bool("enforced", decision.Enforced).
				Bool("session", ok).
				Msg("csrf check bypassed")
			next.ServeHTTP(w, r)
			return
		}

		// 1) load or create the session token
		token, err := p.store.GetOrCreate(r.Context(), sess)
		if err != nil {
			p.metrics.observe(outcomeError)
			p.logger.Error().Err(err).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("csrf token unavailable")
			cfg.ErrorHandler(w, r, err)
			return
		}

		// 2) unsafe methods must come from the same site (when enabled)
		// and present the same token
		if !safeMethods[r.Method] {
			if cfg.EnforceOriginCheck {
				if err := validateOriginOrReferer(r, cfg.AllowedOrigin); err != nil {
					p.metrics.observe(outcomeRejected)
					p.logger.Warn().
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("reason", "origin").
						Msg("csrf origin rejected")
					writeProblem(w, r, http.StatusForbidden, "CSRF_ORIGIN", "invalid origin")
					return
				}
			}
			presented := extractClientToken(r, cfg.HeaderName, cfg.FormField, cfg.MaxBodyBytes)
			if err := verify(token, presented); err != nil {
				p.metrics.observe(outcomeRejected)
				reason := "mismatch"
				if errors.Is(err, ErrTokenMissing) {
					reason = "missing"
				}
				p.logger.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("reason", reason).
					Msg("csrf token rejected")
				writeProblem(w, r, http.StatusForbidden, "CSRF_MISMATCH", "CSRF mismatch")
				return
			}
		}

		// 3) expose the token downstream
		p.metrics.observe(outcomeAllowed)
		locals[LocalName] = token
		next.ServeHTTP(w, r.WithContext(contextWithToken(r.Context(), token)))
	})
}

// TokenHandler returns a handler that answers {"_csrf": "<token>"} for
// clients that fetch the token out of band. It must run behind Protect;
// when Protect attached no token it answers 404.
func (p *Protector) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := TokenFromContext(r.Context())
		if !ok {
			writeProblem(w, r, http.StatusNotFound, "CSRF_DISABLED", "CSRF protection is not enabled for this route")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(map[string]string{LocalName: tok}); err != nil {
			p.logger.Error().Err(err).Msg("csrf token response failed")
		}
	})
}

// writeProblem writes an RFC 7807 problem body. Token values never appear
// in it.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":     "security/csrf",
		"title":    http.StatusText(status),
		"status":   status,
		"code":     code,
		"detail":   detail,
		"instance": r.URL.EscapedPath(),
	})
}

func storeFailure(w http.ResponseWriter, r *http.Request, _ error) {
	writeProblem(w, r, http.StatusInternalServerError, "CSRF_STORE_FAILURE", "session store unavailable")
}
