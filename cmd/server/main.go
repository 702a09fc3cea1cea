package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sf7293/task-relay/configs"
	db2 "github.com/sf7293/task-relay/db"
	"github.com/sf7293/task-relay/internal/classifier"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/events"
	"github.com/sf7293/task-relay/internal/feed"
	"github.com/sf7293/task-relay/internal/memstore"
	"github.com/sf7293/task-relay/internal/postgres"
	"github.com/sf7293/task-relay/internal/rabbitmq"
	"github.com/sf7293/task-relay/internal/redis"
	"github.com/sf7293/task-relay/internal/relay"
	"github.com/sf7293/task-relay/internal/sweeper"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

func main() {
	cfg := configs.InitConfig()
	slog.SetDefault(cfg.NewLogger())

	// Setting up a context with cfg.ServerTimeOutInSeconds seconds time out, which bounds connecting to the infra at boot
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStorage()
	storageIsReady = true

	bus := events.NewBus()
	service := relay.NewService(storage, classifier.New(), bus, cfg.Relay.ToRelayOptions())

	// A holder that crashed before the restart must not wedge write-class work.
	if _, err := service.RecoverStaleLock(ctx); err != nil {
		log.Fatal(err)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	var rabbitClient domain.Queue
	if cfg.RabbitMQ.Enabled() {
		client, err := rabbitmq.NewRabbitMQClient(runCtx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.EventsQueueName})
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			err = client.Close()
			if err != nil {
				slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
			}
		}()
		rabbitClient = client
		rabbitIsReady = true
		go rabbitmq.NewEventSink(client, cfg.RabbitMQ.EventsQueueName).Run(runCtx, bus)
		slog.Info("RabbitMQ event sink has been initialized successfully", "queue", cfg.RabbitMQ.EventsQueueName)
	}

	var redisClient domain.DistributedLock
	if cfg.RedisConfig.Enabled() {
		client, err := redis.NewClient(ctx, cfg.RedisConfig.ToRedisConnectionUri())
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				slog.Error("An error occurred while closing Redis connection", "error", err.Error())
			}
		}()
		redisClient = client
		slog.Info("Redis has been initialized successfully")
	}

	sweep := sweeper.New(service, sweeper.Config{
		Interval: cfg.Relay.SweepInterval(),
		Lock:     redisClient,
	})
	if err := sweep.Start(runCtx); err != nil {
		log.Fatal(err)
	}

	router := setupHTTPServer(service, feed.NewHub(bus), rabbitClient, redisClient)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort, "storage", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	sweep.Stop()
	stopRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

// openStorage picks the store named by STORAGE_DRIVER. Postgres is migrated before use.
func openStorage(ctx context.Context, cfg *configs.Config) (domain.Storage, func(), error) {
	if cfg.StorageDriver == configs.StorageDriverMemory {
		slog.Warn("Using the in-memory store, tasks will not survive a restart")
		return memstore.New(), func() {}, nil
	}

	if err := runMigrations(cfg.Database.ToMigrationUri()); err != nil {
		return nil, nil, err
	}

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Postgres connection has been initialized successfully")
	return storage, storage.Close, nil
}

func runMigrations(uri string) error {
	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, uri)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	slog.Info("Migrations ran successfully")
	return nil
}
