// cmd/rules-engine/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"practice-rules-engine/internal/api"
	"practice-rules-engine/internal/audit"
	"practice-rules-engine/internal/common/auth"
	awsclient "practice-rules-engine/internal/common/aws"
	"practice-rules-engine/internal/common/camunda"
	"practice-rules-engine/internal/common/config"
	"practice-rules-engine/internal/common/database"
	commonhttp "practice-rules-engine/internal/common/http"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/observability"
	"practice-rules-engine/internal/common/retry"
	"practice-rules-engine/internal/consent"
	"practice-rules-engine/internal/delivery"
	"practice-rules-engine/internal/engine/dispatcher"
	"practice-rules-engine/internal/engine/recipients"
	"practice-rules-engine/internal/engine/registry"
	"practice-rules-engine/internal/notifications"
	catalog "practice-rules-engine/pkg/registry"

	cc "practice-rules-engine/internal/workers/consent/check-consent"
	se "practice-rules-engine/internal/workers/events/submit-event"
)

// connectPolicy is how long startup waits for each backing service.
var connectPolicy = retry.Policy{
	MaxAttempts:  15,
	InitialDelay: 2 * time.Second,
	MaxDelay:     30 * time.Second,
}

// connect runs op until it succeeds or connectPolicy is exhausted.
func connect(ctx context.Context, log logger.Logger, name string, op func(ctx context.Context) error) error {
	err := retry.Do(ctx, connectPolicy, op, func(attempt int, delay time.Duration, err error) {
		log.Warn(name+" failed, retrying...", map[string]interface{}{
			"error":       err.Error(),
			"attempt":     attempt,
			"maxRetries":  connectPolicy.MaxAttempts,
			"nextRetryIn": delay.String(),
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Info(name+" succeeded", nil)
	return nil
}

func main() {
	bootLog := logger.New("info", "json")
	defer bootLog.Sync()

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.NewWithOutput(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	})

	if err := run(cfg, log); err != nil {
		log.Error("rules engine stopped with error", map[string]interface{}{"error": err.Error()})
		zapLog.Sync()
		os.Exit(1)
	}
	log.Info("rules engine stopped", nil)
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	// --- PostgreSQL ---
	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := connect(ctx, log, "PostgreSQL connection", pg.Ping); err != nil {
		return err
	}
	if cfg.Database.Postgres.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema migrated", nil)
	}

	// --- Redis: delivery claims and the trigger cache ---
	var rdb *database.RedisClient
	if cfg.Delivery.Enabled || cfg.Registry.CacheEnabled {
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := connect(ctx, log, "Redis connection", rdb.Ping); err != nil {
			return err
		}
	}

	// --- Elasticsearch audit mirror ---
	var indexer *audit.Indexer
	if cfg.Audit.IndexEnabled {
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		if err := connect(ctx, log, "Elasticsearch connection", es.Ping); err != nil {
			return err
		}
		if err := es.EnsureAuditIndex(ctx, cfg.Audit.IndexName); err != nil {
			return err
		}
		indexer = audit.NewIndexer(es.Client, cfg.Audit.IndexName)
	}

	var auditLog *audit.Log
	if indexer != nil {
		auditLog = audit.NewLog(pg.DB, log, indexer)
	} else {
		auditLog = audit.NewLog(pg.DB, log)
	}

	// --- Trigger registry ---
	pgStore := registry.NewPgStore(pg.DB)
	var source registry.Source = pgStore
	if cfg.Registry.CacheEnabled {
		source = registry.NewCachedSource(pgStore, rdb.Client, time.Duration(cfg.Registry.CacheTTL)*time.Second, log)
	}
	reg := registry.New(source, pgStore, log)

	if cfg.Registry.CatalogPath != "" {
		if err := seedCatalog(ctx, cfg.Registry.CatalogPath, reg, log); err != nil {
			return err
		}
	}

	// --- Recipients ---
	directory, err := newDirectory(cfg.Directory, pg)
	if err != nil {
		return err
	}
	resolver := recipients.NewResolver(directory, log)

	// --- Notifications, consent ---
	store := notifications.NewStore(pg.DB)
	gate := consent.NewGate(pg.DB, auditLog, cfg.Consent.Categories, log, obs)
	consents := consent.NewStore(pg.DB, auditLog, cfg.Consent.Categories, log)

	deps := dispatcher.Deps{
		Triggers:  reg,
		Resolver:  resolver,
		Directory: directory,
		Store:     store,
		Inbox:     dispatcher.NewPgInbox(pg.DB),
		Audit:     auditLog,
		Consent:   gate,
		Logger:    log,
		Otel:      obs,
	}

	// --- External delivery ---
	var deliverer *delivery.Deliverer
	if cfg.Delivery.Enabled {
		opts, err := deliveryOptions(ctx, cfg)
		if err != nil {
			return err
		}
		deliverer = delivery.NewDeliverer(cfg.Delivery, rdb.Client, directory, auditLog, log, opts...)
		deps.Delivery = deliverer
	}

	disp := dispatcher.New(cfg.Dispatcher, cfg.App.OrganizationName, deps)

	// --- Zeebe workers ---
	var zeebe *camunda.Client
	var workers []*camunda.CamundaWorker
	if cfg.Camunda.Enabled {
		zeebe, err = camunda.NewClient(ctx, cfg.Camunda, log)
		if err != nil {
			return err
		}

		if config.IsWorkerEnabled(cfg, se.TaskType) {
			h := se.NewHandler(se.LoadConfig(cfg), disp, log)
			workers = append(workers, camunda.NewWorker(zeebe.GetClient(), se.TaskType, config.GetWorkerConfig(cfg, se.TaskType), h, log))
		}
		if config.IsWorkerEnabled(cfg, cc.TaskType) {
			h := cc.NewHandler(cc.LoadConfig(cfg), gate, log)
			workers = append(workers, camunda.NewWorker(zeebe.GetClient(), cc.TaskType, config.GetWorkerConfig(cfg, cc.TaskType), h, log))
		}
	}

	// --- HTTP API ---
	apiCfg := api.Config{
		Server:        cfg.Server,
		Events:        disp,
		Notifications: store,
		Consent:       gate,
		Consents:      consents,
		Audit:         auditLog,
		Registry:      reg,
		Logger:        log,
		Ready: map[string]api.ReadyCheck{
			"postgres": pg.Ping,
		},
	}
	if rdb != nil {
		apiCfg.Ready["redis"] = rdb.Ping
	}
	if indexer != nil {
		apiCfg.AuditSearch = indexer
	}
	if zeebe != nil {
		apiCfg.Ready["zeebe"] = zeebe.HealthCheck
	}
	server := api.New(apiCfg)

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return disp.Run(gctx)
	})
	if deliverer != nil {
		g.Go(func() error {
			deliverer.Run(gctx)
			return nil
		})
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, stopping...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
		defer cancel()

		for _, w := range workers {
			w.Stop()
		}
		if zeebe != nil {
			if err := zeebe.Close(); err != nil {
				log.Error("error closing Zeebe client", map[string]interface{}{"error": err.Error()})
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	log.Info("rules engine started", map[string]interface{}{
		"address":  cfg.Server.Address,
		"workers":  len(workers),
		"delivery": cfg.Delivery.Enabled,
		"indexing": cfg.Audit.IndexEnabled,
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newDirectory(cfg config.DirectoryConfig, pg *database.PostgresClient) (recipients.Directory, error) {
	switch cfg.Provider {
	case "postgres":
		return recipients.NewPgDirectory(pg.DB), nil
	case "keycloak":
		client := auth.NewKeycloakClient(cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakClientID, cfg.KeycloakSecret)
		return recipients.NewKeycloakDirectory(client, cfg.SupervisorAttr, cfg.KeycloakPhoneAttr), nil
	default:
		return nil, fmt.Errorf("unknown directory provider %q", cfg.Provider)
	}
}

func deliveryOptions(ctx context.Context, cfg *config.Config) ([]delivery.Option, error) {
	opts := []delivery.Option{
		delivery.WithWebhook(commonhttp.NewClient(config.GetDuration(cfg.Delivery.WebhookTimeout))),
	}

	awsCfg := cfg.Integrations.AWS
	if !awsCfg.SES.Enabled && !awsCfg.SNS.Enabled {
		return opts, nil
	}

	sdkCfg, err := awsclient.LoadConfig(ctx, awsCfg.Region)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if awsCfg.SES.Enabled {
		opts = append(opts, delivery.WithEmail(awsclient.NewSESClient(sdkCfg, awsCfg.SES.FromEmail)))
	}
	if awsCfg.SNS.Enabled {
		opts = append(opts, delivery.WithSMS(awsclient.NewSNSClient(sdkCfg, awsCfg.SNS.DefaultSMSSenderID)))
	}
	return opts, nil
}

// seedCatalog validates the whole catalog, then stores only the definitions
// missing from the registry.
func seedCatalog(ctx context.Context, path string, admin catalog.Seeder, log logger.Logger) error {
	c, err := catalog.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("load trigger catalog: %w", err)
	}
	if errs := catalog.Validate(c); len(errs) > 0 {
		for _, e := range errs {
			log.Error("invalid catalog entry", map[string]interface{}{"error": e.Error()})
		}
		return fmt.Errorf("trigger catalog %s has %d invalid entries", path, len(errs))
	}
	templates, triggers, err := catalog.Seed(ctx, c, admin)
	if err != nil {
		return fmt.Errorf("import trigger catalog: %w", err)
	}
	log.Info("trigger catalog imported", map[string]interface{}{
		"path":      path,
		"templates": templates,
		"triggers":  triggers,
	})
	return nil
}
