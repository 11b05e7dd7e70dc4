// Command worker consumes campaign and sequence jobs from Kafka and runs the
// periodic schedulers: due posts, due campaigns and due sequence steps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"success/api/internal/app"
	"success/api/internal/config"
	"success/api/internal/crm"
	"success/api/internal/email"
	"success/api/internal/events"
	"success/api/internal/logging"
	"success/api/internal/revision"
	"success/api/internal/search"
	"success/api/internal/store"
	"success/api/internal/telemetry"
	"success/api/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "success-worker", cfg.OTelEndpoint)
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
	crmDB, err := store.OpenCRM(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("crm database connection failed", zap.Error(err))
	}
	defer crmDB.Close()

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		engine = meili
	}
	searchService := search.NewService(engine, search.NewPgFTS(db), logger)

	kafkaCfg := events.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	}
	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(events.NewKafkaWriter(kafkaCfg), logger)
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
	if !mailer.IsConfigured() {
		logger.Warn("smtp not configured, campaign deliveries will be recorded as failed")
	}

	crmService := crm.NewService(store.NewCRMStore(crmDB), publisher, crm.Options{
		Mailer:         mailer,
		Index:          searchService,
		UnsubscribeURL: strings.TrimRight(cfg.PublicBaseURL, "/") + "/unsubscribe",
		Logger:         logger,
	})
	content := app.New(cfg, app.Deps{
		Store:     store.NewPostgresStore(db),
		Revisions: revision.New(cfg.RevisionsDir),
		Search:    searchService,
		Logger:    logger,
	})

	var wg sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		pool := worker.New(events.NewKafkaReader(kafkaCfg), logger, cfg.WorkerCount, 0)
		pool.Handle(events.JobCampaignDelivery, func(ctx context.Context, evt events.Envelope) error {
			var job events.CampaignDeliveryJob
			if err := evt.Decode(&job); err != nil {
				return err
			}
			return crmService.DeliverCampaign(ctx, job)
		})
		pool.Handle(events.JobSequenceStep, func(ctx context.Context, evt events.Envelope) error {
			var job events.SequenceStepJob
			if err := evt.Decode(&job); err != nil {
				return err
			}
			return crmService.RunSequenceStep(ctx, job)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
			if err := pool.Close(); err != nil {
				logger.Warn("kafka reader close failed", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("kafka not configured, job consumer disabled")
	}

	interval := cfg.SchedulerInterval
	if interval <= 0 {
		interval = time.Minute
	}
	schedule := func(name string, fn func(context.Context) (int, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Ticker(ctx, interval, logger, name, func(ctx context.Context) error {
				n, err := fn(ctx)
				if n > 0 {
					logger.Info("scheduled task ran", zap.String("task", name), zap.Int("count", n))
				}
				return err
			})
		}()
	}
	schedule("publish due posts", content.PublishDuePosts)
	schedule("dispatch due campaigns", crmService.DispatchDueCampaigns)
	schedule("schedule sequence steps", crmService.ScheduleDueSteps)

	logger.Info("worker started", zap.Duration("interval", interval))
	<-ctx.Done()
	wg.Wait()
	searchService.Wait()
	logger.Info("worker stopped")
}
