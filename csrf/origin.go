package csrf

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var errBadOrigin = errors.New("csrf: origin not allowed")

// validateOriginOrReferer checks whether the request is same-site according
// to the allowed host. Origin is preferred; Referer is used when Origin is
// absent.
//
// Params:
//   - r: the incoming request containing Origin/Referer headers.
//   - allowed: the allowed host (domain[:port]); if empty, r.Host is used.
//
// Returns:
// - nil when origin/referrer is acceptable; otherwise an error describing the issue.
func validateOriginOrReferer(r *http.Request, allowed string) error {
	host := allowed
	if host == "" {
		host = r.Host
	}

	origin := r.Header.Get("Origin")
	ref := r.Header.Get("Referer")

	switch {
	case origin == "" && ref == "":
		return errors.New("csrf: no origin or referer")
	case origin != "":
		if !sameSite(origin, host) {
			return errBadOrigin
		}
	case !sameSite(ref, host):
		return errBadOrigin
	}
	return nil
}

// sameSite compares the host (including port) of originOrRef with allowedHost.
func sameSite(originOrRef, allowedHost string) bool {
	u, err := url.Parse(originOrRef)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, allowedHost)
}
