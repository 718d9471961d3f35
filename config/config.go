// Package config loads gatehouse configuration from defaults, an optional
// YAML file, GATEHOUSE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. GATEHOUSE_AUTH0_DOMAIN.
const EnvPrefix = "GATEHOUSE"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverBBolt    = "bbolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var drivers = []string{DriverMemory, DriverBBolt, DriverSQLite, DriverPostgres, DriverRedis}

// Config is the complete runtime configuration.
type Config struct {
	Listen    string          `mapstructure:"listen"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Auth0     ProviderConfig  `mapstructure:"auth0"`
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	Cookie    CookieConfig    `mapstructure:"cookie"`
	Session   SessionConfig   `mapstructure:"session"`
	Store     StoreConfig     `mapstructure:"store"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Upstream  string          `mapstructure:"upstream"`
	Log       LogConfig       `mapstructure:"log"`
}

// TLSConfig names a certificate pair. Both empty serves plain HTTP.
type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

// ProviderConfig describes the identity provider.
type ProviderConfig struct {
	// Domain is the tenant host, e.g. example.eu.auth0.com. A value with a
	// scheme is used verbatim as the base URL.
	Domain      string        `mapstructure:"domain"`
	Issuer      string        `mapstructure:"issuer"`
	JWKSURL     string        `mapstructure:"jwks_url"`
	UserInfoURL string        `mapstructure:"userinfo_url"`
	Audience    string        `mapstructure:"audience"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// EndpointsConfig holds the paths the three session endpoints attach to.
type EndpointsConfig struct {
	Login     string `mapstructure:"login"`
	Logout    string `mapstructure:"logout"`
	KeepAlive string `mapstructure:"keep_alive"`
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name             string        `mapstructure:"name"`
	Domain           string        `mapstructure:"domain"`
	Path             string        `mapstructure:"path"`
	Secure           bool          `mapstructure:"secure"`
	HTTPOnly         bool          `mapstructure:"http_only"`
	SameSite         string        `mapstructure:"same_site"`
	MaxLifetime      time.Duration `mapstructure:"max_lifetime"`
	InactiveLifetime time.Duration `mapstructure:"inactive_lifetime"`
}

// SessionConfig controls payload sealing and reclamation.
type SessionConfig struct {
	Secret        string        `mapstructure:"secret"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StoreConfig selects and configures the session backend.
type StoreConfig struct {
	Driver string      `mapstructure:"driver"`
	Path   string      `mapstructure:"path"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CORSConfig lists origins allowed to call the session endpoints.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig lists reverse proxies whose X-Forwarded-For and
// X-Real-IP headers identify the client for login rate limiting.
type RateLimitConfig struct {
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"listen":                    ":8080",
	"tls.cert":                  "",
	"tls.key":                   "",
	"auth0.domain":              "",
	"auth0.issuer":              "",
	"auth0.jwks_url":            "",
	"auth0.userinfo_url":        "",
	"auth0.audience":            "",
	"auth0.timeout":             "5s",
	"endpoints.login":           "login",
	"endpoints.logout":          "logout",
	"endpoints.keep_alive":      "keep_alive",
	"cookie.name":               "gatehouse_session",
	"cookie.domain":             "",
	"cookie.path":               "/",
	"cookie.secure":             true,
	"cookie.http_only":          true,
	"cookie.same_site":          "lax",
	"cookie.max_lifetime":       "24h",
	"cookie.inactive_lifetime":  "30m",
	"session.secret":            "",
	"session.sweep_interval":    "60s",
	"store.driver":              DriverMemory,
	"store.path":                "",
	"store.dsn":                 "",
	"store.redis.addr":          "",
	"store.redis.password":      "",
	"store.redis.db":            0,
	"store.redis.prefix":        "gatehouse:session:",
	"cors.allowed_origins":      []string{},
	"ratelimit.trusted_proxies": []string{},
	"upstream":                  "",
	"log.level":                 "info",
	"log.format":                "json",
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag in fs whose name, with dashes turned into
// dots, is a configuration key. "auth0-domain" binds "auth0.domain";
// "cookie-max-lifetime" binds "cookie.max_lifetime".
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKey(f.Name)
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func flagKey(name string) (string, bool) {
	if _, ok := defaults[name]; ok {
		return name, true
	}
	section, rest, found := strings.Cut(name, "-")
	if !found {
		return "", false
	}
	for _, candidate := range []string{
		section + "." + strings.ReplaceAll(rest, "-", "_"),
		section + "." + strings.Replace(strings.ReplaceAll(rest, "-", "_"), "_", ".", 1),
	} {
		if _, ok := defaults[candidate]; ok {
			return candidate, true
		}
	}
	return "", false
}

// Load reads file (if non-empty) into v, decodes the result, fills derived
// provider URLs and validates it.
func Load(v *viper.Viper, file string) (*Config, error) {
	cfg, err := Read(v, file)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for commands that need only part of
// the configuration.
func Read(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.fillProviderURLs()
	return &cfg, nil
}

// fillProviderURLs derives issuer, JWKS and user-info URLs from the domain
// where they were not set explicitly.
func (c *Config) fillProviderURLs() {
	p := &c.Auth0
	if p.Issuer == "" && p.Domain != "" {
		base := p.Domain
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		p.Issuer = strings.TrimSuffix(base, "/") + "/"
	}
	if p.Issuer == "" {
		return
	}
	// Issuer stays as configured since it must match iss exactly.
	base := strings.TrimSuffix(p.Issuer, "/")
	if p.JWKSURL == "" {
		p.JWKSURL = base + "/.well-known/jwks.json"
	}
	if p.UserInfoURL == "" {
		p.UserInfoURL = base + "/userinfo"
	}
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Auth0.Domain == "" && c.Auth0.Issuer == "" {
		add("auth0.domain is required")
	}
	if c.Auth0.Audience == "" {
		add("auth0.audience (API identifier) is required")
	}
	if c.Auth0.Timeout <= 0 {
		add("auth0.timeout must be positive")
	}
	for name, path := range map[string]string{
		"endpoints.login":      c.Endpoints.Login,
		"endpoints.logout":     c.Endpoints.Logout,
		"endpoints.keep_alive": c.Endpoints.KeepAlive,
	} {
		if strings.Trim(path, "/") == "" {
			add("%s is required", name)
		}
	}

	if c.Cookie.Name == "" {
		add("cookie.name is required")
	}
	if c.Cookie.MaxLifetime <= 0 {
		add("cookie.max_lifetime must be positive")
	}
	if c.Cookie.InactiveLifetime <= 0 {
		add("cookie.inactive_lifetime must be positive")
	}
	if c.Cookie.InactiveLifetime > c.Cookie.MaxLifetime {
		add("cookie.inactive_lifetime %s exceeds cookie.max_lifetime %s", c.Cookie.InactiveLifetime, c.Cookie.MaxLifetime)
	}
	if !slices.Contains([]string{"lax", "strict", "none"}, strings.ToLower(c.Cookie.SameSite)) {
		add("cookie.same_site must be lax, strict or none, got %q", c.Cookie.SameSite)
	}
	if c.Session.SweepInterval <= 0 {
		add("session.sweep_interval must be positive")
	}

	if err := c.Store.Validate(); err != nil {
		errs = append(errs, err)
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		add("tls.cert and tls.key must be set together")
	}
	if c.Upstream != "" {
		if u, err := url.Parse(c.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			add("upstream must be an absolute URL, got %q", c.Upstream)
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// Validate checks that the selected driver has what it needs.
func (s StoreConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	switch s.Driver {
	case DriverMemory:
	case DriverBBolt, DriverSQLite:
		if s.Path == "" {
			add("store.path is required for the %s driver", s.Driver)
		}
	case DriverPostgres:
		if s.DSN == "" {
			add("store.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if s.Redis.Addr == "" && s.DSN == "" {
			add("store.redis.addr or store.dsn is required for the redis driver")
		}
	default:
		add("store.driver must be one of %s, got %q", strings.Join(drivers, ", "), s.Driver)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// SameSiteMode converts SameSite to its net/http value.
func (c CookieConfig) SameSiteMode() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
