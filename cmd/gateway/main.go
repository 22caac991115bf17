package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelrelay/gateway/internal/api"
	"github.com/modelrelay/gateway/internal/circuitbreaker"
	"github.com/modelrelay/gateway/internal/config"
	"github.com/modelrelay/gateway/internal/configstore"
	"github.com/modelrelay/gateway/internal/cost"
	"github.com/modelrelay/gateway/internal/crypto"
	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/httputil"
	"github.com/modelrelay/gateway/internal/modelcache"
	"github.com/modelrelay/gateway/internal/notifications"
	"github.com/modelrelay/gateway/internal/orchestrator"
	"github.com/modelrelay/gateway/internal/provider"
	"github.com/modelrelay/gateway/internal/provider/anthropic"
	"github.com/modelrelay/gateway/internal/provider/bedrock"
	"github.com/modelrelay/gateway/internal/provider/openai"
	"github.com/modelrelay/gateway/internal/quota"
	"github.com/modelrelay/gateway/internal/ratelimit"
	"github.com/modelrelay/gateway/internal/secrets"
	"github.com/modelrelay/gateway/internal/telemetry"
	"github.com/modelrelay/gateway/internal/usagelog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	logger := slog.Default()

	slog.Info("starting gateway", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	credentials, err := buildCredentialResolver(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize credential resolver", "error", err)
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	var store configstore.Store = configstore.NewInMemoryStore()
	if db != nil {
		store = configstore.NewPostgresStore(db)
	} else {
		slog.Warn("no database configured, using empty in-memory configuration store")
	}

	ledger, err := buildLedger(cfg)
	if err != nil {
		slog.Error("failed to initialize quota ledger", "error", err)
		os.Exit(1)
	}

	notifier := buildNotifier(ctx, cfg, logger)
	monitor := quota.NewMonitor(ledger, notifier, logger)
	departments := quota.StaticDepartments{Members: cfg.Departments, Default: cfg.DefaultDepartment}
	quotas := quota.NewManager(ledger, departments, monitor, logger)

	auditStore, err := buildAuditStore(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to initialize audit store", "error", err)
		os.Exit(1)
	}
	audit := usagelog.NewLogger(auditStore, logger)

	models, err := buildModelCache(cfg)
	if err != nil {
		slog.Error("failed to initialize model cache", "error", err)
		os.Exit(1)
	}

	var pricing cost.Lookup = cost.DefaultPricing()
	if cfg.PricingServiceURL != "" {
		pricing = cost.FallbackLookup{
			cost.NewHTTPLookup(cfg.PricingServiceURL, httputil.DefaultClient()),
			cost.DefaultPricing(),
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Resolver:  configstore.NewResolver(store),
		Providers: provider.NewCache(adapterFactory(cfg, credentials)),
		Costs:     cost.NewCalculator(pricing),
		Quotas:    quotas,
		Audit:     audit,
		Models:    models,
		Breakers:  circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
		Logger:    logger,
		ModelTTL:  cfg.ModelCacheTTL,
	})

	limiter, err := buildRateLimiter(cfg)
	if err != nil {
		slog.Error("failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator: orch,
		RateLimiter:  limiter,
		RateLimitRPM: cfg.RateLimitRPM,
		AdminToken:   cfg.AdminBypassToken,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own lifetime
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// adapterFactory builds provider adapters per configuration snapshot,
// resolving the snapshot's credential reference at build time. The
// provider cache calls it once per configuration version.
func adapterFactory(cfg *config.Config, credentials *secrets.Resolver) provider.Factory {
	client := httputil.DefaultClient()
	streamClient := httputil.StreamingClient()

	return func(ctx context.Context, snap *domain.ConfigSnapshot) (provider.Adapter, error) {
		switch snap.ProviderType {
		case "openai":
			apiKey, err := credentials.Resolve(ctx, snap.CredentialRef)
			if err != nil {
				return nil, &domain.ConfigurationError{ConfigID: snap.ID, Reason: fmt.Sprintf("credential resolution failed: %v", err)}
			}
			return openai.New(snap, apiKey, client, streamClient), nil

		case "anthropic":
			apiKey, err := credentials.Resolve(ctx, snap.CredentialRef)
			if err != nil {
				return nil, &domain.ConfigurationError{ConfigID: snap.ID, Reason: fmt.Sprintf("credential resolution failed: %v", err)}
			}
			return anthropic.New(snap, apiKey, client, streamClient), nil

		case "bedrock":
			return bedrock.New(ctx, snap, cfg.AWSRegion)

		default:
			return nil, &domain.ConfigurationError{ConfigID: snap.ID, Reason: "unknown provider type " + snap.ProviderType}
		}
	}
}

func buildCredentialResolver(ctx context.Context, cfg *config.Config) (*secrets.Resolver, error) {
	var store secrets.SecretStore
	if cfg.SecretBackend == "aws" {
		var err error
		store, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		slog.Info("using aws secrets manager credential backend")
	}

	var sealer *crypto.Sealer
	if cfg.CredentialKey != "" {
		var err error
		sealer, err = crypto.NewSealer(cfg.CredentialKey)
		if err != nil {
			return nil, err
		}
	}

	return secrets.NewResolver(store, sealer), nil
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return db, nil
}

func buildLedger(cfg *config.Config) (quota.Ledger, error) {
	if cfg.RedisURL == "" {
		slog.Info("using in-memory quota ledger")
		return quota.NewInMemoryLedger(cfg.QuotaLimits), nil
	}
	slog.Info("using redis quota ledger")
	return quota.NewRedisLedger(cfg.RedisURL)
}

func buildNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) notifications.Notifier {
	if cfg.SNSTopicARN == "" {
		return notifications.NewLogNotifier(logger)
	}
	notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
	if err != nil {
		slog.Warn("sns notifier unavailable, alerts go to the log", "error", err)
		return notifications.NewLogNotifier(logger)
	}
	slog.Info("quota alerts publishing to sns", "topic", cfg.SNSTopicARN)
	return notifier
}

func buildAuditStore(ctx context.Context, cfg *config.Config, db *sql.DB) (usagelog.Store, error) {
	var store usagelog.Store
	if db != nil {
		store = usagelog.NewPostgresStoreFromDB(db)
	} else {
		slog.Warn("no database configured, audit records stay in memory")
		store = usagelog.NewInMemoryStore()
	}

	if cfg.SQSAuditQueue != "" {
		sqsStore, err := usagelog.NewSQSStore(ctx, cfg.AWSRegion, cfg.SQSAuditQueue, store)
		if err != nil {
			return nil, err
		}
		slog.Info("audit records shipping to sqs", "queue", cfg.SQSAuditQueue)
		return sqsStore, nil
	}
	return store, nil
}

func buildModelCache(cfg *config.Config) (modelcache.Cache, error) {
	if cfg.RedisURL == "" {
		return modelcache.NewInMemoryCache(), nil
	}
	return modelcache.NewRedisCache(cfg.RedisURL)
}

func buildRateLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewInMemoryLimiter(), nil
	}
	return ratelimit.NewRedisLimiter(cfg.RedisURL)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
