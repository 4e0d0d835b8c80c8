// cmd/tether-server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peer-tether/internal/api"
	awsclients "peer-tether/internal/common/aws"
	"peer-tether/internal/common/camunda"
	"peer-tether/internal/common/config"
	"peer-tether/internal/common/database"
	httpclient "peer-tether/internal/common/http"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/common/observability"
	"peer-tether/internal/crisis"
	"peer-tether/internal/crisis/webhook"
	crisiszeebe "peer-tether/internal/crisis/zeebe"
	"peer-tether/internal/models"
	"peer-tether/internal/store/archive"
	pgstore "peer-tether/internal/store/postgres"
	"peer-tether/internal/tether/connection"
	"peer-tether/internal/tether/emergency"
	"peer-tether/internal/tether/heartbeat"
	"peer-tether/internal/tether/matching"
	"peer-tether/internal/tether/sessioncrypto"
	"peer-tether/internal/transport"
	"peer-tether/internal/transport/paging"
	redistransport "peer-tether/internal/transport/redis"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	})

	zapLog.Info("Starting tether server...", zap.String("environment", cfg.App.Environment))

	obs, err := observability.New(cfg.App.Name)
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("schema setup failed", zap.Error(err))
	}
	zapLog.Info("PostgreSQL connected successfully")
	st := pgstore.New(pg.DB, log)

	// --- Redis ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		return err
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")
	realtime := redistransport.New(rdb.Client, cfg.Database.Redis.Channel, log)

	// --- Paging (SNS/SES) ---
	notifiers := transport.Multi{realtime}
	var fallback transport.Notifier
	aws := cfg.Integrations.AWS
	if aws.SNS.Enabled || aws.SES.Enabled {
		awsCfg, err := awsclients.LoadConfig(ctx, aws.Region)
		if err != nil {
			zapLog.Fatal("aws config load failed", zap.Error(err))
		}
		snsClient := awsclients.NewSNSClient(awsCfg)
		directory := paging.DirectoryFunc(func(ctx context.Context, userID string) (paging.Contact, error) {
			email, phone, err := st.ResponderContact(ctx, userID)
			return paging.Contact{Email: email, Phone: phone}, err
		})
		notifiers = append(notifiers, paging.New(paging.Config{
			EmailEnabled:  aws.SES.Enabled,
			SMSEnabled:    aws.SNS.Enabled,
			FromEmail:     aws.SES.FromEmail,
			SMSMinUrgency: models.UrgencyHigh,
		}, snsClient, awsclients.NewSESClient(awsCfg), directory, log))
		if aws.SNS.TopicARN != "" {
			fallback = paging.NewBroadcast(snsClient, aws.SNS.TopicARN)
		}
		zapLog.Info("Responder paging enabled",
			zap.Bool("sms", aws.SNS.Enabled),
			zap.Bool("email", aws.SES.Enabled),
		)
	}

	// --- Crisis hand-off ---
	var crisisSvc crisis.Service = crisis.Noop{}
	var zeebeClient *camunda.Client
	switch {
	case cfg.Camunda.Enabled:
		err = retryWithBackoff(func() error {
			var err error
			zeebeClient, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
				RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebeClient.Close()

		pagerNotifier := fallback
		if pagerNotifier == nil {
			pagerNotifier = notifiers
		}
		pager := camunda.NewWorker(camunda.WorkerConfig{
			TaskType:      crisiszeebe.PageTaskType,
			MaxJobsActive: 5,
			Timeout:       config.GetDuration(cfg.Camunda.RequestTimeout),
		}, crisiszeebe.NewPager(pagerNotifier, log), log)
		pager.Register(zeebeClient.GetClient())
		defer pager.Close()

		crisisSvc = crisiszeebe.New(zeebeClient, cfg.Camunda.ProcessID, log)
		zapLog.Info("Crisis escalation via Zeebe", zap.String("processId", cfg.Camunda.ProcessID))
	case cfg.Crisis.WebhookURL != "":
		client := httpclient.NewClient("crisis-service", config.GetDuration(cfg.Crisis.Timeout))
		crisisSvc = webhook.New(client, cfg.Crisis.WebhookURL, cfg.Crisis.APIKey, log)
		zapLog.Info("Crisis escalation via webhook")
	default:
		zapLog.Warn("No crisis service configured; escalations stay in-app")
	}

	// --- Emergency archive ---
	emOpts := []emergency.Option{
		emergency.WithStore(st),
		emergency.WithNotifier(notifiers),
		emergency.WithCrisisService(crisisSvc),
	}
	if fallback != nil {
		emOpts = append(emOpts, emergency.WithFallbackNotifier(fallback))
	}
	if es := cfg.Database.Elasticsearch; es.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(es)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		if err := esClient.EnsureIndex(ctx, es.Index, archive.Mapping); err != nil {
			zapLog.Fatal("archive index setup failed", zap.Error(err))
		}
		emOpts = append(emOpts, emergency.WithArchiver(archive.New(esClient.Client, es.Index, log)))
		zapLog.Info("Elasticsearch archive enabled", zap.String("index", es.Index))
	}

	// --- Core engines ---
	sessions := sessioncrypto.NewEngine(sessioncrypto.ConfigFrom(cfg.Session), log)
	monitor := heartbeat.NewMonitor(heartbeat.ConfigFrom(cfg.Heartbeat), log)
	emergencies := emergency.NewService(emergency.ConfigFrom(cfg.Emergency, cfg.Crisis.MinUrgency), log, emOpts...)
	engine := connection.NewEngine(
		connection.ConfigFrom(cfg.Connection, cfg.Heartbeat),
		st,
		matching.NewMatcher(matching.ConfigFrom(cfg.Matching), log),
		monitor,
		emergencies,
		log,
		connection.WithNotifier(notifiers),
	)

	sessions.Start(ctx)
	monitor.Start(ctx)
	emergencies.Start(ctx)
	engine.Start(ctx)
	zapLog.Info("Tether engines started")

	// --- HTTP API ---
	srv := api.NewServer(sessions, engine, emergencies, log,
		api.WithObservability(obs),
		api.WithReadinessCheck("postgres", pg.Ping),
		api.WithReadinessCheck("redis", rdb.Ping),
	)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Router(),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	go func() {
		zapLog.Info("API server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		zapLog.Info("Shutdown signal received, stopping...")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping API server", zap.Error(err))
	}
	stop()
	engine.Close()
	emergencies.Close()
	monitor.Close()
	sessions.Close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down observability", zap.Error(err))
	}

	zapLog.Info("Tether server stopped gracefully")
}
