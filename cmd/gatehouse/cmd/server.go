package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/identity"
	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/storage"
	"github.com/jmcleod/gatehouse/token"
)

const (
	shutdownTimeout     = 10 * time.Second
	maintenanceInterval = 5 * time.Minute
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		repo, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer repo.Close()

		return serve(ctx, cfg, repo, logger)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// gateway is everything serve runs: the HTTP handler and the two
// background loops.
type gateway struct {
	handler   http.Handler
	api       *api.API
	reclaimer *session.Reclaimer
}

// newGateway wires verifier, session manager and HTTP surface for cfg on
// top of repo. ctx bounds the key set cache.
func newGateway(ctx context.Context, cfg *config.Config, repo storage.Repository, logger *slog.Logger) (*gateway, error) {
	httpClient := &http.Client{Timeout: cfg.Auth0.Timeout}

	verifier, err := token.NewJWTVerifier(ctx, token.JWTConfig{
		Issuer:     cfg.Auth0.Issuer,
		Audience:   cfg.Auth0.Audience,
		JWKSURL:    cfg.Auth0.JWKSURL,
		HTTPClient: httpClient,
		Timeout:    cfg.Auth0.Timeout,
	})
	if err != nil {
		return nil, err
	}
	userinfo, err := token.NewUserInfoClient(ctx, token.UserInfoConfig{
		Issuer:      cfg.Auth0.Issuer,
		UserInfoURL: cfg.Auth0.UserInfoURL,
		HTTPClient:  httpClient,
		Timeout:     cfg.Auth0.Timeout,
	})
	if err != nil {
		return nil, err
	}

	codec, err := session.NewCodec([]byte(cfg.Session.Secret))
	if err != nil {
		return nil, err
	}
	if !codec.Sealed() {
		logger.Warn("session.secret is not set; session payloads are stored unsealed")
	}

	manager, err := session.NewManager(repo, verifier, userinfo, identity.ProfileResolver{},
		session.Lifetimes{Max: cfg.Cookie.MaxLifetime, Inactive: cfg.Cookie.InactiveLifetime},
		session.WithCodec(codec),
		session.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	metrics := api.NewMetrics()
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(metrics),
		api.WithAllowedOrigins(cfg.CORS.AllowedOrigins),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("security alert",
				"alert", ev.Type,
				"message", ev.Message,
				"count", ev.Count,
				"threshold", ev.Threshold,
			)
		}),
	}
	if len(cfg.RateLimit.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.RateLimit.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("ratelimit.trusted_proxies: %w", err)
		}
		opts = append(opts, opt)
	}
	if cfg.Upstream != "" {
		target, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		opts = append(opts, api.WithUpstream(target))
	}

	a := api.New(manager, api.Config{
		Endpoints: api.Endpoints{
			Login:     cfg.Endpoints.Login,
			Logout:    cfg.Endpoints.Logout,
			KeepAlive: cfg.Endpoints.KeepAlive,
		},
		Cookie: api.CookieConfig{
			Name:     cfg.Cookie.Name,
			Domain:   cfg.Cookie.Domain,
			Path:     cfg.Cookie.Path,
			Secure:   cfg.Cookie.Secure,
			HTTPOnly: cfg.Cookie.HTTPOnly,
			SameSite: cfg.Cookie.SameSiteMode(),
		},
	}, opts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/", a.Router())

	reclaimer := session.NewReclaimer(repo, cfg.Session.SweepInterval,
		session.WithReclaimerLogger(logger),
		session.WithSweepObserver(metrics.ObserveSweep),
	)
	return &gateway{handler: r, api: a, reclaimer: reclaimer}, nil
}

// serve runs the gateway until ctx is cancelled or the listener fails.
func serve(ctx context.Context, cfg *config.Config, repo storage.Repository, logger *slog.Logger) error {
	gw, err := newGateway(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	useTLS := cfg.TLS.Cert != "" && cfg.TLS.Key != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return gw.reclaimer.Run(gctx)
	})
	g.Go(func() error {
		return gw.api.RunMaintenance(gctx, maintenanceInterval)
	})

	printBanner()
	fmt.Printf("Starting server on %s (store: %s, tls: %t)...\n", cfg.Listen, cfg.Store.Driver, useTLS)

	return g.Wait()
}
