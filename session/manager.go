package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const idBytes = 32

type ctxKey struct{}

// Options configures the session cookie.
type Options struct {
	CookieName string
	Path       string
	Domain     string
	Secure     bool
	SameSite   http.SameSite
	MaxAge     time.Duration
}

// Manager resolves the session for each request from its cookie.
type Manager struct {
	store  Store
	opts   Options
	logger zerolog.Logger
}

// NewManager returns a Manager backed by store. Zero-valued options get
// defaults: cookie "app.sid", path "/", SameSite=Lax.
func NewManager(store Store, opts Options, logger zerolog.Logger) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = "app.sid"
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	return &Manager{store: store, opts: opts, logger: logger}
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// CookieName returns the name of the session cookie.
func (m *Manager) CookieName() string { return m.opts.CookieName }

// Middleware attaches a *Session to the request context. A cookie is only
// honoured when the store holds a record for its ID; any other request gets
// a fresh ID, sent back as a cookie.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := &Session{store: m.store}
		known, err := m.known(r)
		if err != nil {
			m.logger.Error().Err(err).Msg("session lookup failed")
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		if known != "" {
			s.ID = known
		} else {
			id, err := newID()
			if err != nil {
				m.logger.Error().Err(err).Msg("session id generation failed")
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
			s.ID = id
			s.isNew = true
			m.setCookie(w, id)
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), s)))
	})
}

// known returns the request's session ID when the cookie carries one the
// store still holds, and "" otherwise.
func (m *Manager) known(r *http.Request) (string, error) {
	c, err := r.Cookie(m.opts.CookieName)
	if err != nil || !validID(c.Value) {
		return "", nil
	}
	ok, err := m.store.Exists(r.Context(), c.Value)
	if err != nil || !ok {
		return "", err
	}
	return c.Value, nil
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) {
	c := &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    id,
		Path:     m.opts.Path,
		Domain:   m.opts.Domain,
		Secure:   m.opts.Secure,
		HttpOnly: true,
		SameSite: m.opts.SameSite,
	}
	if m.opts.MaxAge > 0 {
		c.MaxAge = int(m.opts.MaxAge.Seconds())
	}
	http.SetCookie(w, c)
}

// Session is a handle on one client's server-side state.
type Session struct {
	ID    string
	store Store
	isNew bool
}

// New wraps an existing session ID and store.
func New(id string, store Store) *Session {
	return &Session{ID: id, store: store}
}

// IsNew reports whether the session was created by this request.
func (s *Session) IsNew() bool { return s.isNew }

func (s *Session) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.Get(ctx, s.ID, key)
}

func (s *Session) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.ID, key, value)
}

func (s *Session) SetIfAbsent(ctx context.Context, key, value string) (string, error) {
	return s.store.SetIfAbsent(ctx, s.ID, key, value)
}

// Destroy drops every value held by the session.
func (s *Session) Destroy(ctx context.Context) error {
	return s.store.Destroy(ctx, s.ID)
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored in ctx, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}

// FromRequest is FromContext on the request's context.
func FromRequest(r *http.Request) (*Session, bool) {
	return FromContext(r.Context())
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validID(v string) bool {
	if len(v) != base64.RawURLEncoding.EncodedLen(idBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(v)
	return err == nil
}
