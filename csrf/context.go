package csrf

import "context"

type ctxKey string

const tokenKey ctxKey = "csrf_token_ctx"

// contextWithToken returns a derived context that stores the given CSRF token.
//
// Params:
// - ctx: base context to attach the token to.
// - tok: the session token the request was checked against.
//
// Returns:
// - a new context containing the token.
func contextWithToken(ctx context.Context, tok string) context.Context {
	return context.WithValue(ctx, tokenKey, tok)
}

// TokenFromContext returns the CSRF token stored in ctx by the middleware.
//
// Params:
// - ctx: context of a request that went through Protect.
//
// Returns:
//   - token (string) and a boolean that is false when protection is
//     disabled for the route or the request has no session.
func TokenFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(tokenKey).(string)
	return s, ok && s != ""
}
