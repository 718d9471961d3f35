package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/config"
)

var (
	v          = config.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse is a session gateway for Auth0-protected applications",
	Long: `Gatehouse exchanges Auth0 bearer tokens for server-side sessions carried
in a cookie, keeps them alive on a sliding window and guards the protected
application behind them.
Complete documentation is available at https://github.com/jmcleod/gatehouse`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")

	f.String("listen", ":8080", "Address to listen on")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")

	f.String("auth0-domain", "", "Auth0 tenant domain, e.g. example.eu.auth0.com")
	f.String("auth0-issuer", "", "Token issuer (default https://<domain>/)")
	f.String("auth0-jwks-url", "", "JWKS URL (default <issuer>.well-known/jwks.json)")
	f.String("auth0-userinfo-url", "", "User-info URL (default <issuer>userinfo)")
	f.String("auth0-audience", "", "API identifier expected in the aud claim")
	f.Duration("auth0-timeout", 0, "Timeout for calls to the identity provider")

	f.String("endpoints-login", "", "Path of the login endpoint")
	f.String("endpoints-logout", "", "Path of the logout endpoint")
	f.String("endpoints-keep-alive", "", "Path of the keep-alive endpoint")

	f.String("cookie-name", "", "Session cookie name")
	f.String("cookie-domain", "", "Session cookie domain")
	f.String("cookie-path", "", "Session cookie path")
	f.Bool("cookie-secure", true, "Set the Secure attribute on the session cookie")
	f.Bool("cookie-http-only", true, "Set the HttpOnly attribute on the session cookie")
	f.String("cookie-same-site", "", "SameSite attribute: lax, strict or none")
	f.Duration("cookie-max-lifetime", 0, "Absolute session lifetime")
	f.Duration("cookie-inactive-lifetime", 0, "Session lifetime without activity")

	f.String("session-secret", "", "Secret used to seal session payloads at rest")
	f.Duration("session-sweep-interval", 0, "Interval between expired session sweeps")

	f.String("store-driver", "", "Session store: memory, bbolt, sqlite, postgres or redis")
	f.String("store-path", "", "Database file for the bbolt and sqlite drivers")
	f.String("store-dsn", "", "Connection string for the postgres and redis drivers")
	f.String("store-redis-addr", "", "Redis address (host:port)")
	f.String("store-redis-password", "", "Redis password")
	f.Int("store-redis-db", 0, "Redis database number")
	f.String("store-redis-prefix", "", "Key prefix for session records in redis")

	f.StringSlice("cors-allowed-origins", nil, "Origins allowed to call the session endpoints")
	f.StringSlice("ratelimit-trusted-proxies", nil, "CIDRs of proxies trusted to report the client address")
	f.String("upstream", "", "URL of the protected application to proxy guarded requests to")

	f.String("log-level", "", "Log level: debug, info, warn or error")
	f.String("log-format", "", "Log format: json or text")

	cobra.CheckErr(config.BindFlags(v, f))
}

// loadConfig reads the full configuration and validates it.
func loadConfig() (*config.Config, error) {
	return config.Load(v, configFile)
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
