// Command kiosk-oauth runs the OAuth authorization server as a standalone
// HTTP service backed by SQLite. It exists for development and small
// single-instance deployments; larger installations embed the oauth
// package directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	oauth "github.com/kiosklabs/kiosk-oauth"
	"github.com/kiosklabs/kiosk-oauth/instrumentation"
	"github.com/kiosklabs/kiosk-oauth/security"
	"github.com/kiosklabs/kiosk-oauth/storage/sqlite"
)

type config struct {
	ListenAddr         string        `env:"LISTEN_ADDR" envDefault:":8080"`
	Issuer             string        `env:"ISSUER,required"`
	LoginURL           string        `env:"LOGIN_URL,required"`
	DatabasePath       string        `env:"DATABASE_PATH" envDefault:"kiosk-oauth.db"`
	UserInfoSigningKey string        `env:"USERINFO_SIGNING_KEY"`
	AccessTokenTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL    time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	DevicePollInterval time.Duration `env:"DEVICE_POLL_INTERVAL" envDefault:"5s"`
	RateLimit          int           `env:"RATE_LIMIT" envDefault:"10"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	TrustProxy         bool          `env:"TRUST_PROXY" envDefault:"false"`
	AuditLogging       bool          `env:"AUDIT_LOGGING" envDefault:"true"`
	LogLevel           slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kiosk-oauth:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "kiosk-oauth",
		Enabled:     true,
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}

	var signingKey []byte
	if cfg.UserInfoSigningKey != "" {
		signingKey = []byte(cfg.UserInfoSigningKey)
	}

	server, err := oauth.NewServer(store, &oauth.Config{
		Issuer:             cfg.Issuer,
		LoginURL:           cfg.LoginURL,
		UserInfoSigningKey: signingKey,
		DevicePollInterval: cfg.DevicePollInterval,
		TTL: oauth.TTLConfig{
			AccessToken:  cfg.AccessTokenTTL,
			RefreshToken: cfg.RefreshTokenTTL,
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:       cfg.RateLimit,
			Burst:      cfg.RateLimitBurst,
			TrustProxy: cfg.TrustProxy,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	server.SetAuditor(security.NewAuditor(logger, cfg.AuditLogging))
	server.SetMetrics(inst.Metrics())

	// The standalone binary has no session layer of its own; it trusts a
	// reverse proxy to assert the user. Embedders replace this with
	// their session lookup.
	authenticate := func(r *http.Request) (string, bool) {
		user := r.Header.Get("X-Authenticated-User")
		return user, user != ""
	}

	handler, err := oauth.NewHandler(server, authenticate)
	if err != nil {
		return fmt.Errorf("init handler: %w", err)
	}
	defer handler.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown", "error", err)
		}
	}
	return nil
}
