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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/orders-sync/internal/api"
	"github.com/vipul43/orders-sync/internal/config"
	"github.com/vipul43/orders-sync/internal/crypto"
	"github.com/vipul43/orders-sync/internal/database"
	"github.com/vipul43/orders-sync/internal/gmail"
	"github.com/vipul43/orders-sync/internal/logging"
	"github.com/vipul43/orders-sync/internal/parser"
	"github.com/vipul43/orders-sync/internal/queue"
	"github.com/vipul43/orders-sync/internal/repository"
	"github.com/vipul43/orders-sync/internal/service"
	"github.com/vipul43/orders-sync/internal/watcher"
)

const retryBackoffBase = time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info().Msg("database connected")

	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info().Msg("migrations completed")

	encryptor, err := crypto.NewEncryptor(cfg.TokenEncryptionKey)
	if err != nil {
		return err
	}

	// Initialize repositories
	accountRepo := repository.NewGmailAccountRepository(db.Gorm, encryptor)
	jobRepo := repository.NewSyncJobRepository(db.Gorm)
	orderRepo := repository.NewOrderRepository(db.Gorm)

	// Initialize external clients
	gmailClient := gmail.NewClient(cfg.GmailClientID, cfg.GmailClientSecret,
		gmail.WithFetchFormat(cfg.GmailFetchFormat),
		gmail.WithLogger(logging.Component(logger, "gmail")),
	)
	parserClient := parser.NewClient(cfg.ParserURL, time.Duration(cfg.ParserTimeout)*time.Second)

	dispatcher, closeQueue, err := newDispatcher(cfg, logging.Component(logger, "queue"))
	if err != nil {
		return err
	}
	defer closeQueue()

	// Initialize services
	guardian := service.NewTokenGuardian(accountRepo, gmailClient, logging.Component(logger, "token_guardian"))
	syncService := service.NewSyncService(accountRepo, jobRepo, orderRepo, gmailClient, guardian, dispatcher,
		service.SyncConfig{Query: cfg.SyncQuery, LookbackDays: cfg.InitialLookback},
		logging.Component(logger, "sync"),
	)
	persister := service.NewOrderPersister(orderRepo, logging.Component(logger, "persister"))
	worker := service.NewMessageWorker(accountRepo, jobRepo, gmailClient, parserClient, persister, guardian,
		service.WorkerConfig{
			MaxAttempts:           cfg.MaxRetries,
			AttemptTimeout:        time.Duration(cfg.MessageTimeout) * time.Second,
			FailJobOnMessageError: cfg.FailJobOnMsgError,
			Backoff:               service.ExponentialBackoff(retryBackoffBase),
		},
		logging.Component(logger, "worker"),
	)

	w := watcher.New(watcher.Config{
		PollInterval:     time.Duration(cfg.PollInterval) * time.Second,
		StaleAfter:       time.Duration(cfg.StaleJobAfter) * time.Second,
		AutoSyncInterval: time.Duration(cfg.AutoSyncInterval) * time.Second,
	}, jobRepo, accountRepo, syncService, logging.Component(logger, "watcher"))

	syncHandler := api.NewSyncHandler(accountRepo, syncService, logging.Component(logger, "api"))
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(syncHandler, cfg.JWTSecret, gmailClient.BreakerState, logging.Component(logger, "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gctx, worker.Process)
	})

	g.Go(func() error {
		if err := w.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-afterShutdownTimeout(ctx, time.Duration(cfg.ShutdownTimeout)*time.Second):
		logger.Warn().Msg("shutdown timeout exceeded")
	}

	logger.Info().Msg("application stopped")
	return nil
}

// afterShutdownTimeout fires timeout after ctx is done.
func afterShutdownTimeout(ctx context.Context, timeout time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		time.Sleep(timeout)
		close(ch)
	}()
	return ch
}

func newDispatcher(cfg *config.Config, logger zerolog.Logger) (queue.Dispatcher, func(), error) {
	if cfg.QueueDriver != config.QueueDriverRedis {
		logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("using in-process queue")
		return queue.NewMemoryQueue(cfg.WorkerConcurrency, logger), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	logger.Info().Str("consumer", consumer).Int("concurrency", cfg.WorkerConcurrency).Msg("using redis stream queue")
	q := queue.NewRedisQueue(client, queue.RedisConfig{
		Consumer:    consumer,
		Concurrency: cfg.WorkerConcurrency,
	}, logger)
	return q, func() { client.Close() }, nil
}
