// Command aegisgate runs the policy enforcement gateway: it scans chat
// messages for sensitive entities and injection attempts, evaluates tenant
// policy rules, and appends the resolved messages to conversation logs.
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

	"github.com/redis/go-redis/v9"

	"github.com/aegisgate/core/pkg/api"
	"github.com/aegisgate/core/pkg/audit"
	"github.com/aegisgate/core/pkg/auth"
	"github.com/aegisgate/core/pkg/config"
	"github.com/aegisgate/core/pkg/conversation"
	"github.com/aegisgate/core/pkg/database"
	"github.com/aegisgate/core/pkg/decision"
	"github.com/aegisgate/core/pkg/detect"
	"github.com/aegisgate/core/pkg/entity"
	"github.com/aegisgate/core/pkg/observability"
	"github.com/aegisgate/core/pkg/rules"
	"github.com/aegisgate/core/pkg/scan"
	"github.com/aegisgate/core/pkg/tenants"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aegisgate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Setup(ctx, observability.Config{
		ServiceName:    "aegisgate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	db, dialect, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	// Rule storage, caching, and seeding.
	ruleStore, err := rules.NewSQLStore(db, dialect)
	if err != nil {
		return fmt.Errorf("rule store: %w", err)
	}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}
	ruleCache := rules.NewCache(ruleStore, rdb, rules.DefaultCacheTTL, logger)
	defer ruleCache.Close()

	compiler, err := rules.NewCompiler()
	if err != nil {
		return fmt.Errorf("rule compiler: %w", err)
	}
	seeder, err := rules.NewSeeder(ruleStore, compiler, logger)
	if err != nil {
		return fmt.Errorf("rule seeder: %w", err)
	}
	seeder.Invalidate = ruleCache.Invalidate
	seeded, err := seeder.SeedFile(ctx, cfg.RulesSeedPath)
	if err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	logger.Info("rules seeded", "count", seeded, "path", cfg.RulesSeedPath)

	// Scan pipeline.
	contextScorer, err := detect.NewContextScorer(cfg.PersonasPath)
	if err != nil {
		return fmt.Errorf("context scorer: %w", err)
	}
	detectors := []detect.EntityDetector{detect.NewRegexDetector()}
	if cfg.NERRulesPath != "" {
		analyzer, err := detect.LoadStaticAnalyzer(cfg.NERRulesPath)
		if err != nil {
			return fmt.Errorf("ner rules: %w", err)
		}
		detectors = append(detectors, detect.NewNerDetector(analyzer, detect.DefaultNerConfig()))
		logger.Info("ner detector enabled", "path", cfg.NERRulesPath)
	}
	engine := scan.NewEngine(
		detectors,
		detect.NewInjectionDetector(),
		contextScorer,
		entity.NewMerger(entity.DefaultMergeConfig()),
		ruleCache,
		rules.NewEngine(compiler, logger),
		decision.NewResolver(),
		scan.Config{DetectorTimeout: cfg.DetectorTimeout},
		logger,
	)

	// Conversation log and audit trail.
	trail, err := audit.NewTrail(db, dialect)
	if err != nil {
		return fmt.Errorf("audit trail: %w", err)
	}
	convStore, err := conversation.NewStore(db, dialect)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	membership, err := tenants.NewSQLStore(db, dialect)
	if err != nil {
		return fmt.Errorf("tenant store: %w", err)
	}
	appender := conversation.NewAppender(convStore, engine, membership, trail,
		conversation.AppendConfig{NullContentOnMask: cfg.NullContentOnMask}, logger)

	if cfg.AuditExportBucket != "" {
		sink, err := audit.NewS3Sink(ctx, audit.S3SinkConfig{
			Bucket: cfg.AuditExportBucket,
			Region: os.Getenv("AWS_REGION"),
		})
		if err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
		go exportLoop(ctx, audit.NewExporter(trail, sink), logger)
	}

	// HTTP surface.
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; bearer tokens will be rejected")
	}
	var validator *auth.Validator
	if cfg.JWTSecret != "" {
		validator, err = auth.NewValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
		if err != nil {
			return fmt.Errorf("jwt validator: %w", err)
		}
	}
	apiKeys, err := auth.NewAPIKeyStore(db, dialect)
	if err != nil {
		return fmt.Errorf("api key store: %w", err)
	}

	var tokens api.TokenAuthenticator
	if validator != nil {
		tokens = validator
	}
	handler := api.Chain(api.NewHandler(appender).Routes(),
		api.RequestID,
		api.Logging(logger),
		api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst).Middleware,
		api.Authenticate(tokens, apiKeys),
		api.Idempotency(api.NewIdempotencyStore(10*time.Minute)),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// exportLoop ships the audit trail to object storage once a day.
func exportLoop(ctx context.Context, exporter *audit.Exporter, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key, err := exporter.Export(ctx, 0)
			if err != nil {
				logger.Error("audit export failed", "error", err)
				continue
			}
			logger.Info("audit exported", "key", key)
		}
	}
}
