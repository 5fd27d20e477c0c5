package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/marcoracer/Icebreaker/internal/api"
	"github.com/marcoracer/Icebreaker/internal/approval"
	"github.com/marcoracer/Icebreaker/internal/audit"
	"github.com/marcoracer/Icebreaker/internal/auth"
	"github.com/marcoracer/Icebreaker/internal/config"
	"github.com/marcoracer/Icebreaker/internal/platform"
	"github.com/marcoracer/Icebreaker/internal/policy"
	"github.com/marcoracer/Icebreaker/internal/registry"
	"github.com/marcoracer/Icebreaker/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load(os.Getenv("ICEBREAKER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.Logger.Level, cfg.Logger.Format)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting icebreaker server",
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("safe_mode", cfg.Safety.SafeMode),
		zap.Int("query_timeout_s", cfg.Safety.QueryTimeout),
		zap.Int("max_query_results", cfg.Safety.MaxQueryResults),
	)

	// Rule set load failure is startup-fatal: the process must never
	// serve without a validated policy.
	rules, err := policy.LoadRuleSet(cfg.Rules.Path)
	if err != nil {
		logger.Fatal("failed to load rule set", zap.String("path", cfg.Rules.Path), zap.Error(err))
	}
	evaluator := policy.NewEvaluator(rules, policy.Config{
		StrictVisibility:  cfg.Safety.StrictVisibility,
		SafeMode:          cfg.Safety.SafeMode,
		MaxRowLimit:       cfg.Safety.MaxQueryResults,
		MaxTimeoutSeconds: cfg.Safety.QueryTimeout,
	}, logger)
	logger.Info("rule set loaded",
		zap.String("path", cfg.Rules.Path),
		zap.Int("version", rules.Version),
	)

	// Audit sink: ClickHouse, or log fallback. Administrative paths fail
	// closed at invoke time while the sink is down, so starting degraded
	// is allowed.
	var sink audit.Sink
	if cfg.ClickHouse.DSN != "" {
		chSink, err := storage.NewClickHouseSink(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink", zap.Error(err))
			sink = storage.NewLogSink(logger)
		} else {
			sink = chSink
			logger.Info("clickhouse audit sink connected")
		}
	} else {
		sink = storage.NewLogSink(logger)
		logger.Info("no clickhouse DSN set, using log sink")
	}
	defer sink.Close()
	recorder := audit.NewRecorder(sink, logger)

	// Control-plane Postgres: principals and approvals.
	if cfg.Postgres.URL == "" {
		logger.Fatal("postgres.url is required")
	}
	db := mustOpenPostgres(logger, cfg.Postgres.URL, cfg.Postgres)
	defer func() { _ = db.Close() }()
	logger.Info("postgres connected")

	// Execution-plane pool: distinct DSN when the platform's admin
	// interface lives elsewhere.
	platformDB := db
	if cfg.Postgres.PlatformURL != "" && cfg.Postgres.PlatformURL != cfg.Postgres.URL {
		platformDB = mustOpenPostgres(logger, cfg.Postgres.PlatformURL, cfg.Postgres)
		defer func() { _ = platformDB.Close() }()
		logger.Info("platform connection established")
	}

	approvals := approval.NewEngine(approval.NewPostgresStore(db), approval.DefaultTTL, logger)

	authn := auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
		DB:       db,
		CacheTTL: cfg.Auth.CacheTTL,
		Logger:   logger,
	})

	reg := registry.New(evaluator, recorder, approvals, registry.Config{
		Enabled:                      cfg.EnabledCapabilitySet(),
		MandatoryAuditAdministrative: cfg.Audit.MandatoryAdministrative,
		MandatoryAuditMutating:       cfg.Audit.MandatoryMutating,
	}, logger)

	client := platform.NewClient(platformDB, logger)
	builtins := []registry.Capability{
		platform.NewRunQuery(client, cfg.Safety.MaxQueryResults),
		platform.NewExecuteStatement(client),
		platform.NewSuspendWarehouse(client),
		platform.NewResumeWarehouse(client),
	}
	for _, c := range builtins {
		if err := reg.Register(c); err != nil {
			logger.Fatal("failed to register capability", zap.String("capability", c.Name()), zap.Error(err))
		}
	}

	promReg := prometheus.NewRegistry()
	metrics := api.NewMetrics(promReg)

	deps := &api.Dependencies{
		Registry:  reg,
		Evaluator: evaluator,
		Approvals: approvals,
		Auth:      authn,
		RulesPath: cfg.Rules.Path,
		SafeMode:  cfg.Safety.SafeMode,
		Metrics:   metrics,
		Gatherer:  promReg,
		Logger:    logger,
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("icebreaker server stopped")
}

func mustOpenPostgres(logger *zap.Logger, url string, cfg config.PostgresConfig) *sql.DB {
	db, err := sql.Open("pgx", url)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	return db
}

func mustBuildLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "json"
	if format == "console" {
		encoding = "console"
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
