// Package session binds server-side state to a client-held cookie.
//
// A Manager middleware resolves (or creates) the session ID for each request
// and exposes a *Session through the request context. Values live in a Store,
// either in process (MemoryStore) or in Redis (RedisStore).
package session

import (
	"context"
	"errors"
)

// ErrNoSession is returned by helpers that require a session when the
// request carries none.
var ErrNoSession = errors.New("session: no session in context")

// Store persists string values per session ID.
//
// SetIfAbsent must be atomic per (id, key): when several callers race, one
// value wins and every caller gets that value back. A stored empty string
// counts as absent and is replaced.
type Store interface {
	// Exists reports whether the store holds a live record for id.
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id, key string) (string, bool, error)
	Set(ctx context.Context, id, key, value string) error
	SetIfAbsent(ctx context.Context, id, key, value string) (string, error)
	Destroy(ctx context.Context, id string) error
}
