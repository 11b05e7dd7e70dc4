package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/docgen"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"success/api/internal/app"
	"success/api/internal/authpw"
	"success/api/internal/billing"
	"success/api/internal/blocks"
	"success/api/internal/config"
	"success/api/internal/crm"
	"success/api/internal/email"
	"success/api/internal/events"
	"success/api/internal/export"
	"success/api/internal/logging"
	"success/api/internal/media"
	"success/api/internal/paywall"
	"success/api/internal/revision"
	"success/api/internal/search"
	"success/api/internal/session"
	"success/api/internal/store"
	"success/api/internal/telemetry"
)

func main() {
	printRoutes := flag.Bool("routes", false, "print the route table as markdown and exit")
	flag.Parse()

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if *printRoutes {
		// The route table does not depend on any backend being reachable.
		router := app.NewHTTPServer(app.New(cfg, app.Deps{Logger: logger}), cfg.CORSOrigin, logger).Routes()
		fmt.Println(docgen.MarkdownRoutesDoc(router, docgen.MarkdownOpts{
			ProjectPath: "success/api",
			Intro:       "Routes served by the success API.",
		}))
		return
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, "success-api", cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal("telemetry setup failed", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(db); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if version, dirty, err := store.SchemaVersion(db); err == nil {
		logger.Info("database schema", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}

	crmDB, err := store.OpenCRM(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("crm database connection failed", zap.Error(err))
	}
	defer crmDB.Close()

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		logger.Fatal("failed to create revisions dir", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Deps{
		Store:     dataStore,
		Revisions: revision.New(cfg.RevisionsDir),
		Export:    export.NewService(blocks.DefaultRegistry()),
		Auth:      authpw.NewService(dataStore),
		Blocks:    blocks.DefaultRegistry(),
		Logger:    logger,
	}

	// Redis backs refresh sessions and the paywall meter. Without it sessions
	// live in Postgres and the meter is off.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for refresh token storage")
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		redisClient = redisStore.Client()
	} else {
		logger.Info("using postgres for refresh token storage")
	}
	if redisClient != nil {
		meterCfg, err := paywall.LoadConfigFromEnv()
		if err != nil {
			logger.Warn("invalid paywall config, using defaults", zap.Error(err))
		}
		deps.Paywall = paywall.NewService(paywall.NewMeter(redisClient, meterCfg), logger)
	} else {
		deps.Paywall = paywall.NewService(nil, logger)
	}

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		engine = meili
	}
	deps.Search = search.NewService(engine, search.NewPgFTS(db), logger)
	go func() {
		if err := deps.Search.ReindexAll(context.Background()); err != nil {
			logger.Warn("search reindex failed", zap.Error(err))
		}
	}()

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err := media.NewMinioStore(ctx, media.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.PublicBaseURL,
		})
		if err != nil {
			logger.Fatal("object storage setup failed", zap.Error(err))
		}
		deps.Media = media.NewService(dataStore, blobs, cfg.MediaMaxBytes)
	} else {
		logger.Info("media library disabled: no object storage configured")
	}

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(events.NewKafkaWriter(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}), logger)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, logger)
	deps.Mailer = mailer

	deps.CRM = crm.NewService(store.NewCRMStore(crmDB), publisher, crm.Options{
		Mailer:         mailer,
		Index:          deps.Search,
		UnsubscribeURL: strings.TrimRight(cfg.PublicBaseURL, "/") + "/unsubscribe",
		Logger:         logger,
	})
	deps.Billing = billing.NewService(dataStore, cfg.PaymentWebhookSecret, logger)

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	router := httpServer.Routes()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	deps.Search.Wait()
}
