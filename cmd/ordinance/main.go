// Command ordinance runs the policy governance service: the HTTP API,
// the SLA scanner, and the audit ledger over a shared database.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/statecraft-io/ordinance/pkg/api"
	"github.com/statecraft-io/ordinance/pkg/compliance"
	"github.com/statecraft-io/ordinance/pkg/config"
	"github.com/statecraft-io/ordinance/pkg/crypto"
	"github.com/statecraft-io/ordinance/pkg/events"
	"github.com/statecraft-io/ordinance/pkg/ledger"
	"github.com/statecraft-io/ordinance/pkg/observability"
	"github.com/statecraft-io/ordinance/pkg/pipeline"
	"github.com/statecraft-io/ordinance/pkg/policystore"
	"github.com/statecraft-io/ordinance/pkg/rollback"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "ordinance",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTELEnabled && cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	signer, err := newSigner(cfg, logger)
	if err != nil {
		return err
	}

	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	backend := policystore.NewSQLBackend(db)
	led := ledger.NewSQLLedger(db)
	proposals := pipeline.NewSQLProposalStore(db)
	if err := backend.Init(ctx); err != nil {
		return fmt.Errorf("init policy store: %w", err)
	}
	if err := led.Init(ctx); err != nil {
		return fmt.Errorf("init audit ledger: %w", err)
	}
	if err := proposals.Init(ctx); err != nil {
		return fmt.Errorf("init proposal store: %w", err)
	}

	store := policystore.New(backend, signer)
	checker := compliance.NewChecker(defaultRules(logger))
	emitter := newEmitter(cfg, logger)
	resolver, err := newResolver(cfg, logger)
	if err != nil {
		return err
	}

	engine := pipeline.NewEngine(store, checker, led, proposals, resolver).
		WithEmitter(emitter).
		WithLogger(logger)
	rb := rollback.New(store, led, rollback.AllowAll{}).
		WithEmitter(emitter).
		WithLogger(logger)

	go pipeline.NewScanner(engine, cfg.SLAScanInterval, logger).Run(ctx)

	server := api.NewServer(engine, store, rb, led, logger)
	handler := api.RequestID(
		api.Logging(logger)(
			obs.HTTPMiddleware(
				api.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst).Middleware(
					api.AuthMiddleware(api.NewJWTValidator(cfg.JWTSecret))(
						server.Routes(),
					),
				),
			),
		),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newSigner(cfg *config.Config, logger *slog.Logger) (crypto.Signer, error) {
	if cfg.SignerSeed != "" {
		signer, err := crypto.DeriveSigner(cfg.SignerSeed, cfg.SignerKeyID)
		if err != nil {
			return nil, fmt.Errorf("derive signer: %w", err)
		}
		return signer, nil
	}
	// Ephemeral key: signatures do not survive a restart. Fine for dev,
	// wrong for anything durable.
	logger.Warn("SIGNER_SEED not set, using ephemeral signing key")
	return crypto.NewEd25519Signer(cfg.SignerKeyID)
}

func newEmitter(cfg *config.Config, logger *slog.Logger) events.Emitter {
	if cfg.RedisAddr == "" {
		return events.NopEmitter{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	logger.Info("redis emitter enabled", "addr", cfg.RedisAddr)
	return events.NewRedisEmitter(client, logger)
}

func newResolver(cfg *config.Config, logger *slog.Logger) (pipeline.GovernanceResolver, error) {
	if cfg.ProfilesPath == "" {
		logger.Info("no governance profiles configured, using defaults")
		return pipeline.NewStaticResolver(nil), nil
	}
	resolver, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return nil, err
	}
	logger.Info("governance profiles loaded", "path", cfg.ProfilesPath, "policies", len(resolver.Profiles))
	return resolver, nil
}

// defaultRules is the stock rule set: structural validity plus semver
// regression. Deployment-specific CEL and schema rules register here.
func defaultRules(logger *slog.Logger) *compliance.Registry {
	registry := compliance.NewRegistry()
	for _, rule := range []compliance.Rule{
		compliance.StructuralRule{},
		compliance.SemverRegressionRule{},
	} {
		if err := registry.Register(rule); err != nil {
			logger.Error("rule registration failed", "rule", rule.ID(), "error", err)
		}
	}
	return registry
}
