package csrf

import (
	"net/http"

	"github.com/JeanGrijp/csrfguard/internal/log"
	"github.com/JeanGrijp/csrfguard/policy"
	"github.com/JeanGrijp/csrfguard/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// LocalName is the view local and JSON field carrying the token.
const LocalName = "_csrf"

type Config struct {
	// Policy decides, per method and path, whether tokens are enforced.
	// When nil, Enabled applies to every route.
	Policy  *policy.Matcher
	Enabled bool

	// Token transport
	FormField  string // default: "_csrf" (query, form or JSON body field)
	HeaderName string // default: "X-CSRF-Token"

	// SessionKey is the session entry holding the token. Default: "_csrf".
	SessionKey string

	// Extra security: on enforced unsafe requests, also require a
	// same-site Origin (or Referer).
	EnforceOriginCheck bool
	AllowedOrigin      string // if empty, uses r.Host

	// MaxBodyBytes caps how much of a JSON body is read to find the token.
	MaxBodyBytes int64

	// Generate produces new tokens. Default: NewToken.
	Generate func() (string, error)

	// Sessions returns the request's session. When it reports false the
	// middleware passes requests through without a token. Default: the
	// session attached by session.Manager.
	Sessions func(r *http.Request) (Session, bool)

	// ErrorHandler writes the response when the session store fails.
	// Default: a 500 problem body.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
}

type Protector struct {
	cfg     Config
	policy  *policy.Matcher
	store   *TokenStore
	logger  zerolog.Logger
	metrics *metrics
}

// New returns a Protector. The configuration is copied and never mutated
// afterwards, so one Protector may serve any number of concurrent requests.
func New(cfg Config) *Protector {
	if cfg.FormField == "" {
		cfg.FormField = LocalName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-CSRF-Token"
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = LocalName
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Generate == nil {
		cfg.Generate = NewToken
	}
	if cfg.Sessions == nil {
		cfg.Sessions = managedSession
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = storeFailure
	}

	logger := log.WithComponent("csrf")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	pol := cfg.Policy
	if pol == nil {
		// Without overrides the matcher cannot fail to build.
		pol, _ = policy.NewMatcher(cfg.Enabled, nil)
	}

	return &Protector{
		cfg:     cfg,
		policy:  pol,
		store:   NewTokenStore(cfg.SessionKey, cfg.Generate),
		logger:  logger,
		metrics: newMetrics(cfg.Registerer),
	}
}

// Policy returns the matcher the Protector consults.
func (p *Protector) Policy() *policy.Matcher { return p.policy }

// Store returns the session token store.
func (p *Protector) Store() *TokenStore { return p.store }

func managedSession(r *http.Request) (Session, bool) {
	s, ok := session.FromRequest(r)
	if !ok {
		return nil, false
	}
	return s, true
}
