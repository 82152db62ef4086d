package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskrelay/internal/config"
	"deskrelay/internal/constants"
	"deskrelay/internal/database"
	"deskrelay/internal/events"
	"deskrelay/internal/models"
	"deskrelay/internal/retry"
	"deskrelay/internal/service"
	"deskrelay/internal/tracing"
	"deskrelay/pkg/dingtalk"
	"deskrelay/pkg/feishu"
	"deskrelay/pkg/mailbox"
	"deskrelay/pkg/responder"
	"deskrelay/pkg/wecom"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("deskrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting deskrelay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Log level follows the config file at runtime; the debug cap still
	// requires the -verbose flag
	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(updated *models.Config) {
		if *verbose {
			return
		}
		level, err := logrus.ParseLevel(updated.LogLevel)
		if err != nil {
			return
		}
		if level > logrus.InfoLevel {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    "deskrelay",
		ServiceVersion: Version,
		Environment:    os.Getenv("DESKRELAY_ENV"),
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoffConfig := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}
	backoff := retry.NewBackoff(backoffConfig)

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()
	db.SetQueueWaitDefault(cfg.Queue.DefaultWaitTimeoutMinutes)

	publisher, err := events.NewPublisher(ctx, events.Config{
		URL:      cfg.Events.URL,
		Exchange: cfg.Events.Exchange,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect event publisher: %w", err)
	}
	defer publisher.Close()

	registry, err := service.NewChannelRegistry(cfg.Channels, logger)
	if err != nil {
		return fmt.Errorf("failed to create channel registry: %w", err)
	}

	retryCfg := models.RetryConfig{
		InitialBackoffMs: cfg.Retry.InitialBackoffMs,
		MaxBackoffMs:     cfg.Retry.MaxBackoffMs,
		MaxAttempts:      cfg.Retry.MaxAttempts,
	}

	responderClient := responder.NewClient(cfg.Responder, nil, logger)
	visitors := service.NewVisitorDirectoryWithConfig(db, logger, cfg.VisitorCacheTTLSec)
	locator := service.NewStaffLocator(db, logger)
	queueService := service.NewQueueServiceWithConfig(db, locator, publisher, logger, cfg.Queue.DefaultWaitTimeoutMinutes)
	limiter := service.NewSweepLimiter(cfg.Queue.MaxConcurrentSweeps)
	trigger := service.NewQueueTrigger(db, queueService, limiter, cfg.Queue.TriggerBatchSize, logger)
	ingestor := service.NewIngestor(db, cfg.IdempotencyTTLSec, logger)
	dispatcher := service.NewDispatcher(db, registry, visitors, responderClient, queueService, logger)

	fallbackSweeper := service.NewFallbackSweeper(db, trigger, limiter, cfg.Queue.FallbackIntervalSec, logger)
	go fallbackSweeper.Start(ctx)
	defer fallbackSweeper.Stop()

	cleanupSweeper := service.NewCleanupSweeper(db, queueService, cfg.Queue.CleanupIntervalSec, logger)
	go cleanupSweeper.Start(ctx)
	defer cleanupSweeper.Stop()

	backlogMonitor := service.NewBacklogMonitor(db,
		time.Duration(constants.DefaultBacklogCheckIntervalSec)*time.Second,
		time.Duration(constants.DefaultBacklogStaleAfterSec)*time.Second, logger)
	go backlogMonitor.Start(ctx)
	defer backlogMonitor.Stop()

	var consumers []*service.InboxConsumer
	var supervisors []*service.MailboxSupervisor
	var pullers []*service.WecomPuller
	var mailClients []*mailbox.Client
	kickers := make(map[string]wecomKicker)

	defer func() {
		for _, c := range consumers {
			c.Stop()
		}
		for _, s := range supervisors {
			s.Stop()
		}
		for _, p := range pullers {
			p.Stop()
		}
		for _, mc := range mailClients {
			mc.Close()
		}
	}()

	for _, channel := range registry.Enabled() {
		switch channel.Kind {
		case models.ChannelDingTalk:
			registry.SetReplier(channel.Kind, channel.PlatformID, dingtalk.NewClient(nil, logger))

		case models.ChannelFeishu:
			registry.SetReplier(channel.Kind, channel.PlatformID, feishu.NewClient(*channel.Feishu, nil, logger))

		case models.ChannelWecom:
			client := wecom.NewClient(*channel.Wecom, nil, logger)
			registry.SetReplier(channel.Kind, channel.PlatformID, client)

			puller := service.NewWecomPuller(client, ingestor, db, channel, logger)
			if err := puller.Start(ctx); err != nil {
				return fmt.Errorf("failed to start wecom puller for %s: %w", channel.PlatformID, err)
			}
			pullers = append(pullers, puller)
			kickers[channel.PlatformID] = puller

		case models.ChannelEmail:
			client := mailbox.NewClient(*channel.Email, channel.PlatformID, logger)
			mailClients = append(mailClients, client)
			registry.SetReplier(channel.Kind, channel.PlatformID, mailbox.NewReplier(*channel.Email, logger))

			supervisor := service.NewMailboxSupervisor(client, ingestor, channel, retryCfg, logger)
			if err := supervisor.Start(ctx); err != nil {
				return fmt.Errorf("failed to start mailbox supervisor for %s: %w", channel.PlatformID, err)
			}
			supervisors = append(supervisors, supervisor)
		}

		consumer := service.NewInboxConsumer(db, dispatcher, mergeConsumerDefaults(channel, cfg.Consumer), retryCfg, logger)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer for %s/%s: %w", channel.Kind, channel.PlatformID, err)
		}
		consumers = append(consumers, consumer)
	}

	logger.WithField("channels", registry.Count()).Info("Channel pipelines started")

	server := NewServer(cfg, db, ingestor, queueService, trigger, registry, kickers, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func validateConfig(cfg *models.Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if cfg.Responder.BaseURL == "" {
		return fmt.Errorf("responder base URL is required")
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	return nil
}

// mergeConsumerDefaults fills a channel's consumer settings from the global
// consumer section. Email ledgers drain faster by default because mail
// arrives in polled bursts instead of a steady webhook stream.
func mergeConsumerDefaults(channel models.ChannelConfig, consumer models.ConsumerConfig) models.ChannelConfig {
	if channel.PollIntervalSec <= 0 {
		if channel.Kind == models.ChannelEmail {
			channel.PollIntervalSec = constants.DefaultMailConsumerPollSec
		} else {
			channel.PollIntervalSec = consumer.PollIntervalSec
		}
	}
	if channel.BatchSize <= 0 {
		channel.BatchSize = consumer.BatchSize
	}
	if channel.MaxRetries <= 0 {
		channel.MaxRetries = consumer.MaxRetries
	}
	return channel
}
