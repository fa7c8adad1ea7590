package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"skyreach/alerting"
	"skyreach/config"
	"skyreach/dispatch"
	"skyreach/enrollment"
	"skyreach/inbound"
	"skyreach/policy"
	"skyreach/render"
	"skyreach/routes"
	"skyreach/store"
	"skyreach/transport"
	"skyreach/warmup"
	"skyreach/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	sentryActive := false
	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			log.WithError(err).Warn("sentry init failed, continuing without it")
		} else {
			sentryActive = true
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := config.ConnectDB(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db := config.DB

	// Dispatch tokens: redis when available, a unique-index table otherwise.
	var tokens dispatch.TokenStore
	if config.AppConfig.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		tokens = store.NewRedisTokenStore(rdb)
		log.Info("using redis dispatch tokens")
	} else {
		tokens = store.NewGormTokenStore(db)
		log.Info("using database dispatch tokens")
	}

	repo := store.NewGormEnrollmentRepo(db)
	steps := store.NewGormStepSource(db)
	machine := enrollment.NewMachine(repo, steps, log)

	evaluator := policy.NewEvaluator(policy.NewGormStore(db), policy.NewGormMetrics(db), log)
	renderer := render.New(nil)
	smtp := transport.NewSMTPTransport(config.AppConfig.SMTP)
	alerts := alerting.NewLogSink(log, sentryActive)

	loop := dispatch.NewLoop(
		dispatch.Config{
			Interval:        config.AppConfig.DispatchInterval,
			DeliveryTimeout: config.AppConfig.DeliveryTimeout,
			MaxAttempts:     config.AppConfig.MaxDeliveryAttempts,
		},
		machine,
		repo,
		steps,
		store.NewGormAttemptRepo(db),
		tokens,
		store.NewGormLeadSource(db),
		store.NewGormSenderSource(db),
		store.NewGormCampaignControl(db),
		evaluator,
		renderer,
		smtp,
		alerts,
		log,
	)

	var peers []warmup.Peer
	for _, addr := range config.AppConfig.WarmupPeers {
		name := addr
		if at := strings.Index(addr, "@"); at > 0 {
			name = addr[:at]
		}
		peers = append(peers, warmup.Peer{Email: addr, Name: name})
	}
	warmupController := warmup.NewController(db, smtp, peers, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.NewDispatchWorker(db, loop, log).Start(ctx)
	go worker.NewWarmupWorker(warmupController, config.AppConfig.WarmupInterval, log).Start(ctx)

	if config.AppConfig.IMAP.Host != "" {
		feed := inbound.NewIMAPFeed(inbound.MailboxConfig{
			Host:       config.AppConfig.IMAP.Host,
			Port:       config.AppConfig.IMAP.Port,
			Username:   config.AppConfig.IMAP.Username,
			Password:   config.AppConfig.IMAP.Password,
			Encryption: config.AppConfig.IMAP.Encryption,
			Mailbox:    config.AppConfig.IMAP.Mailbox,
		}, config.AppConfig.InboundPollInterval, inbound.NewGormResolver(db), log)
		ingestor := inbound.NewIngestor(db, machine, repo, policy.NewGormStore(db), log)
		go func() {
			if err := ingestor.Run(ctx, feed); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("inbound ingestor stopped")
			}
		}()
	} else {
		log.Info("IMAP not configured, inbound feed disabled")
	}

	app := fiber.New(fiber.Config{
		AppName: "skyreach",
	})
	routes.Setup(app, db, machine, warmupController, log)

	// Graceful shutdown: stop workers, then drain the server.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutdown signal received")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	log.WithField("port", config.AppConfig.ServerPort).Info("🚀 server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
