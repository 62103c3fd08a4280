package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	// ErrTokenMissing means the request presented no token.
	ErrTokenMissing = errors.New("csrf: token missing")
	// ErrTokenMismatch means the presented token differs from the session's.
	ErrTokenMismatch = errors.New("csrf: token mismatch")
)

// Session is the part of a session the token store needs.
// *session.Session satisfies it.
type Session interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfAbsent(ctx context.Context, key, value string) (string, error)
}

// TokenStore keeps one token per session under a fixed key.
type TokenStore struct {
	key      string
	generate func() (string, error)
}

func NewTokenStore(key string, generate func() (string, error)) *TokenStore {
	if generate == nil {
		generate = NewToken
	}
	return &TokenStore{key: key, generate: generate}
}

// GetOrCreate returns the session's token, creating it on first use.
// Concurrent first uses within one session all observe the same token.
func (s *TokenStore) GetOrCreate(ctx context.Context, sess Session) (string, error) {
	tok, ok, err := sess.Get(ctx, s.key)
	if err != nil {
		return "", fmt.Errorf("csrf: read token: %w", err)
	}
	if ok && tok != "" {
		return tok, nil
	}

	fresh, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	tok, err = sess.SetIfAbsent(ctx, s.key, fresh)
	if err != nil {
		return "", fmt.Errorf("csrf: store token: %w", err)
	}
	return tok, nil
}

// Validate reports whether presented equals the session's stored token.
// A session without a token never validates.
func (s *TokenStore) Validate(ctx context.Context, sess Session, presented string) (bool, error) {
	expected, _, err := sess.Get(ctx, s.key)
	if err != nil {
		return false, fmt.Errorf("csrf: read token: %w", err)
	}
	return verify(expected, presented) == nil, nil
}

func verify(expected, presented string) error {
	if presented == "" {
		return ErrTokenMissing
	}
	if expected == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}
