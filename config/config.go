// Package config loads the YAML configuration consumed at startup.
//
// The result is read once and treated as immutable: the matcher and session
// manager built from it are shared by every request.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/JeanGrijp/csrfguard/policy"
	"github.com/JeanGrijp/csrfguard/session"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Security Security         `yaml:"security"`
	Routes   map[string]Route `yaml:"routes"`
	Session  Session          `yaml:"session"`
	Log      Log              `yaml:"log"`
}

type Security struct {
	// CSRF is the global default; routes may override it.
	CSRF       bool   `yaml:"csrf"`
	GrantPath  string `yaml:"grantPath"`
	HeaderName string `yaml:"headerName"`
}

// Route is a per-route entry. Only entries with csrf set become overrides.
type Route struct {
	CSRF *bool `yaml:"csrf"`
}

type Session struct {
	Enabled    bool          `yaml:"enabled"`
	CookieName string        `yaml:"cookieName"`
	Secure     bool          `yaml:"secure"`
	TTL        time.Duration `yaml:"ttl"`
	Store      string        `yaml:"store"` // memory | redis
	Redis      Redis         `yaml:"redis"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Log struct {
	Level string `yaml:"level"`
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Security: Security{
			CSRF:       false,
			GrantPath:  "/csrfToken",
			HeaderName: "X-CSRF-Token",
		},
		Session: Session{
			Enabled:    true,
			CookieName: "app.sid",
			TTL:        24 * time.Hour,
			Store:      StoreMemory,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults, rejecting unknown fields.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration, including every route key.
func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Security.GrantPath, "/") {
		errs = append(errs, fmt.Errorf("%w: security.grantPath must start with /", ErrInvalidConfig))
	}
	if c.Session.Enabled {
		switch c.Session.Store {
		case StoreMemory:
		case StoreRedis:
			if c.Session.Redis.Addr == "" {
				errs = append(errs, fmt.Errorf("%w: session.redis.addr is required", ErrInvalidConfig))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: unknown session.store %q", ErrInvalidConfig, c.Session.Store))
		}
		if c.Session.TTL < 0 {
			errs = append(errs, fmt.Errorf("%w: session.ttl must not be negative", ErrInvalidConfig))
		}
	}
	if _, err := c.Overrides(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// Overrides converts routes carrying a csrf flag into policy overrides,
// in key order.
func (c Config) Overrides() ([]policy.Override, error) {
	keys := make([]string, 0, len(c.Routes))
	for k, r := range c.Routes {
		if r.CSRF != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]policy.Override, 0, len(keys))
	for _, k := range keys {
		o, err := policy.ParseOverride(k, *c.Routes[k].CSRF)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Matcher builds the route policy matcher.
func (c Config) Matcher() (*policy.Matcher, error) {
	overrides, err := c.Overrides()
	if err != nil {
		return nil, err
	}
	return policy.NewMatcher(c.Security.CSRF, overrides)
}

// SessionManager builds the session manager, or returns nil when sessions
// are disabled.
func (c Config) SessionManager(logger zerolog.Logger) (*session.Manager, error) {
	if !c.Session.Enabled {
		return nil, nil
	}
	var store session.Store
	switch c.Session.Store {
	case StoreRedis:
		rs, err := session.NewRedisStore(session.RedisConfig{
			Addr:     c.Session.Redis.Addr,
			Password: c.Session.Redis.Password,
			DB:       c.Session.Redis.DB,
			Prefix:   c.Session.Redis.Prefix,
		}, c.Session.TTL, logger)
		if err != nil {
			return nil, err
		}
		store = rs
	default:
		store = session.NewMemoryStore(c.Session.TTL)
	}
	return session.NewManager(store, session.Options{
		CookieName: c.Session.CookieName,
		Secure:     c.Session.Secure,
		MaxAge:     c.Session.TTL,
	}, logger), nil
}
