package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"cadence/config"
	"cadence/engine"
	"cadence/mailer"
	"cadence/routes"
	"cadence/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadConfig(); err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if config.AppConfig.Environment == "development" {
		logger.SetFormatter(&logrus.TextFormatter{})
		logger.SetLevel(logrus.DebugLevel)
	}

	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.WithError(err).Warn("sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}

	var store engine.CounterStore
	if config.AppConfig.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		store = engine.NewRedisCounterStore(client)
	} else {
		logger.Warn("redis disabled, using in-process counters (single instance only)")
		store = engine.NewMemoryCounterStore()
	}

	zone := config.ReferenceLocation()
	policy := engine.WarmupPolicy{
		WeeklyLimits:     config.AppConfig.Warmup.WeeklyLimits,
		MinDaysPerWeek:   config.AppConfig.Warmup.MinDaysPerWeek,
		MaxBounceRate:    config.AppConfig.Warmup.MaxBounceRate,
		MaxComplaintRate: config.AppConfig.Warmup.MaxComplaintRate,
	}

	limits := engine.NewRateController(config.DB, store, policy, zone, logger)
	scheduler := engine.NewScheduler(config.DB, limits, logger)
	sender := mailer.NewSMTPSender(time.Duration(config.AppConfig.Dispatch.SendTimeoutSeconds) * time.Second)

	dispatcher := worker.NewDispatcher(config.DB, sender, limits, scheduler, store, logger)
	dispatcher.Interval = time.Duration(config.AppConfig.Dispatch.IntervalSeconds) * time.Second
	dispatcher.Retry = worker.ExponentialRetry(
		time.Duration(config.AppConfig.Dispatch.BackoffBaseMinutes)*time.Minute,
		config.AppConfig.Dispatch.MaxAttempts,
	)
	dispatcher.Throttle = rate.NewLimiter(rate.Limit(config.AppConfig.Dispatch.GlobalRatePerSec), config.AppConfig.Dispatch.GlobalRatePerSec)
	dispatcher.TrackingBaseURL = config.AppConfig.TrackingBaseURL
	dispatcher.TrackingSecret = config.AppConfig.TrackingSecret

	reconciler := worker.NewReconciler(config.DB, dispatcher, logger)
	reconciler.Interval = time.Duration(config.AppConfig.Recovery.IntervalSeconds) * time.Second
	reconciler.Staleness = time.Duration(config.AppConfig.Recovery.StalenessMinutes) * time.Minute
	reconciler.FailAfter = time.Duration(config.AppConfig.Recovery.FailAfterMinutes) * time.Minute

	resetWorker := worker.NewResetWorker(config.DB, logger, zone)
	replyWorker := worker.NewReplyWorker(config.DB, logger, time.Duration(config.AppConfig.ReplyPollMinutes)*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Start(ctx)
	go reconciler.Start(ctx)
	go resetWorker.Start(ctx)
	go replyWorker.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName: "cadence",
	})
	routes.SetupRoutes(app, config.DB, logger, scheduler, limits, config.AppConfig.TrackingSecret)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down")
		cancel()
		_ = app.Shutdown()
	}()

	logger.WithField("port", config.AppConfig.ServerPort).Info("server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}
