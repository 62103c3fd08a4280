package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/JeanGrijp/csrfguard/session"
	"github.com/JeanGrijp/csrfguard/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sessionCookie = "app.sid"

func newProtector(cfg Config) *Protector {
	nop := zerolog.Nop()
	cfg.Logger = &nop
	return New(cfg)
}

// stack wraps mux with the session manager and p, in that order.
func stack(p *Protector, mux http.Handler) http.Handler {
	m := session.NewManager(session.NewMemoryStore(0), session.Options{}, zerolog.Nop())
	return m.Middleware(p.Protect(mux))
}

func appMux(p *Protector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/csrf-token", p.TokenHandler())
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "csrf='%v'", view.FromContext(r.Context())[LocalName])
	})
	return mux
}

func getCookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// fetchToken calls the grant endpoint and returns the token and session cookie.
func fetchToken(t *testing.T, h http.Handler) (string, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	res := rec.Result()
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	cookie := getCookieByName(res, sessionCookie)
	require.NotNil(t, cookie, "missing session cookie")
	return body[LocalName], cookie
}

func TestGrantEndpointReturnsSessionToken(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))

	token, cookie := fetchToken(t, h)
	assert.Len(t, token, 36)

	// Same session, same token.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/csrf-token", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(rec, req)
	assert.JSONEq(t, fmt.Sprintf(`{"_csrf":%q}`, token), rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	// New session, new token.
	other, _ := fetchToken(t, h)
	assert.NotEqual(t, token, other)
}

func TestPostRequiresMatchingToken(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))
	token, cookie := fetchToken(t, h)

	recOK := httptest.NewRecorder()
	reqOK := httptest.NewRequest(http.MethodPost, "/submit", nil)
	reqOK.AddCookie(cookie)
	reqOK.Header.Set("X-CSRF-Token", token)
	h.ServeHTTP(recOK, reqOK)
	if recOK.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct token, got %d", recOK.Code)
	}

	recBad := httptest.NewRecorder()
	reqBad := httptest.NewRequest(http.MethodPost, "/submit", nil)
	reqBad.AddCookie(cookie)
	reqBad.Header.Set("X-CSRF-Token", "wrong-token")
	h.ServeHTTP(recBad, reqBad)
	if recBad.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", recBad.Code)
	}

	recNone := httptest.NewRecorder()
	reqNone := httptest.NewRequest(http.MethodPost, "/submit", nil)
	reqNone.AddCookie(cookie)
	h.ServeHTTP(recNone, reqNone)
	if recNone.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", recNone.Code)
	}
}

func TestTokenFromAnotherSessionIsRejected(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))
	token, _ := fetchToken(t, h)
	_, victim := fetchToken(t, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(victim)
	req.Header.Set("X-CSRF-Token", token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostWithFormFieldToken(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))
	token, cookie := fetchToken(t, h)

	form := url.Values{}
	form.Set("_csrf", token)
	recOK := httptest.NewRecorder()
	reqOK := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
	reqOK.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqOK.AddCookie(cookie)
	h.ServeHTTP(recOK, reqOK)
	if recOK.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct form token, got %d", recOK.Code)
	}

	formBad := url.Values{}
	formBad.Set("_csrf", "wrong")
	recBad := httptest.NewRecorder()
	reqBad := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(formBad.Encode()))
	reqBad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqBad.AddCookie(cookie)
	h.ServeHTTP(recBad, reqBad)
	if recBad.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong form token, got %d", recBad.Code)
	}
}

func TestPostWithQueryToken(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))
	token, cookie := fetchToken(t, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/submit?_csrf="+url.QueryEscape(token), nil)
	req.AddCookie(cookie)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostWithJSONBodyTokenKeepsBody(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	mux := appMux(p)
	var seen string
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusCreated)
	})
	h := stack(p, mux)
	token, cookie := fetchToken(t, h)

	payload := fmt.Sprintf(`{"name":"x","_csrf":%q}`, token)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.AddCookie(cookie)
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, payload, seen)
}

func TestJSONBodyOverLimitIsIgnored(t *testing.T) {
	p := newProtector(Config{Enabled: true, MaxBodyBytes: 16})
	h := stack(p, appMux(p))
	token, cookie := fetchToken(t, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(fmt.Sprintf(`{"_csrf":%q}`, token)))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSafeMethodsAreNeverRejected(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/view", nil))
		require.Equal(t, http.StatusOK, rec.Code, method)
		if method == http.MethodGet {
			assert.Regexp(t, `^csrf='.{36}'$`, rec.Body.String())
		}
	}
}

func TestUnlistedMethodsRequireToken(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))
	token, cookie := fetchToken(t, h)

	for _, method := range []string{http.MethodTrace, "PROPFIND", "PURGE", "FROB"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/submit", nil)
		req.AddCookie(cookie)
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, method)

		rec = httptest.NewRecorder()
		req = httptest.NewRequest(method, "/submit", nil)
		req.AddCookie(cookie)
		req.Header.Set("X-CSRF-Token", token)
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, method)
	}
}

func TestDisabledLeavesBlankLocal(t *testing.T) {
	p := newProtector(Config{Enabled: false})
	h := stack(p, appMux(p))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/view", nil))
	assert.Equal(t, "csrf=''", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGrantEndpointWhenDisabled(t *testing.T) {
	p := newProtector(Config{Enabled: false})
	h := stack(p, appMux(p))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSRF_DISABLED")
}

func TestSessionsDisabledPassThrough(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := p.Protect(appMux(p))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/view", nil))
	assert.Equal(t, "csrf=''", rec.Body.String())
}

func TestRejectionBodyDoesNotLeakToken(t *testing.T) {
	p := newProtector(Config{Enabled: true})
	h := stack(p, appMux(p))
	token, cookie := fetchToken(t, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), token)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "CSRF_MISMATCH", payload["code"])
	assert.Equal(t, "CSRF mismatch", payload["detail"])
}

type failingSession struct{ err error }

func (f failingSession) Get(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func (f failingSession) SetIfAbsent(context.Context, string, string) (string, error) {
	return "", f.err
}

func TestStoreFailureIsServerError(t *testing.T) {
	storeErr := errors.New("backend down")
	reached := false
	p := newProtector(Config{
		Enabled: true,
		Sessions: func(*http.Request) (Session, bool) {
			return failingSession{err: storeErr}, true
		},
	})
	h := p.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/submit", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, method)
	}
	assert.False(t, reached)
}

func TestCustomErrorHandlerReceivesStoreError(t *testing.T) {
	storeErr := errors.New("backend down")
	var got error
	p := newProtector(Config{
		Enabled: true,
		Sessions: func(*http.Request) (Session, bool) {
			return failingSession{err: storeErr}, true
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	rec := httptest.NewRecorder()
	p.Protect(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.ErrorIs(t, got, storeErr)
}

func TestTokenStoreGetOrCreateIsStable(t *testing.T) {
	ctx := context.Background()
	s := session.New("sid", session.NewMemoryStore(0))
	store := NewTokenStore(LocalName, nil)

	first, err := store.GetOrCreate(ctx, s)
	require.NoError(t, err)
	second, err := store.GetOrCreate(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 36)
}

func TestTokenStoreConcurrentFirstAccess(t *testing.T) {
	ctx := context.Background()
	s := session.New("sid", session.NewMemoryStore(0))
	store := NewTokenStore(LocalName, nil)

	const n = 32
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := store.GetOrCreate(ctx, s)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestTokenStoreValidate(t *testing.T) {
	ctx := context.Background()
	s := session.New("sid", session.NewMemoryStore(0))
	store := NewTokenStore(LocalName, nil)

	ok, err := store.Validate(ctx, s, "")
	require.NoError(t, err)
	assert.False(t, ok, "empty token against empty session")

	tok, err := store.GetOrCreate(ctx, s)
	require.NoError(t, err)

	ok, _ = store.Validate(ctx, s, tok)
	assert.True(t, ok)
	ok, _ = store.Validate(ctx, s, "")
	assert.False(t, ok)
	ok, _ = store.Validate(ctx, s, tok+"x")
	assert.False(t, ok)
}

func TestTokenStoreReplacesEmptyToken(t *testing.T) {
	ctx := context.Background()
	s := session.New("sid", session.NewMemoryStore(0))
	require.NoError(t, s.Set(ctx, LocalName, ""))
	store := NewTokenStore(LocalName, nil)

	tok, err := store.GetOrCreate(ctx, s)
	require.NoError(t, err)
	assert.Len(t, tok, 36)

	again, err := store.GetOrCreate(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, tok, again)
	ok, _ := store.Validate(ctx, s, tok)
	assert.True(t, ok)
}

func TestTokenStoreGenerateFailure(t *testing.T) {
	genErr := errors.New("no entropy")
	store := NewTokenStore(LocalName, func() (string, error) { return "", genErr })
	_, err := store.GetOrCreate(context.Background(), session.New("sid", session.NewMemoryStore(0)))
	assert.ErrorIs(t, err, genErr)
}

func TestVerify(t *testing.T) {
	assert.ErrorIs(t, verify("abc", ""), ErrTokenMissing)
	assert.ErrorIs(t, verify("abc", "abd"), ErrTokenMismatch)
	assert.ErrorIs(t, verify("", "abc"), ErrTokenMismatch)
	assert.NoError(t, verify("abc", "abc"))
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newProtector(Config{Enabled: true, Registerer: reg})
	h := stack(p, appMux(p))

	token, cookie := fetchToken(t, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(rec, req)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.AddCookie(cookie)
	req.Header.Set("X-CSRF-Token", token)
	h.ServeHTTP(rec, req)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.requests.WithLabelValues(outcomeAllowed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.requests.WithLabelValues(outcomeRejected)))

	// A second Protector on the same registry shares the counter.
	q := newProtector(Config{Registerer: reg})
	q.Protect(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.requests.WithLabelValues(outcomeBypassed)))
}

func TestNewTokenFormat(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`, tok)
}
