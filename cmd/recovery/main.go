package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sf7293/task-relay/configs"
	"github.com/sf7293/task-relay/internal/classifier"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/events"
	"github.com/sf7293/task-relay/internal/postgres"
	"github.com/sf7293/task-relay/internal/rabbitmq"
	"github.com/sf7293/task-relay/internal/redis"
	"github.com/sf7293/task-relay/internal/relay"
	"github.com/sf7293/task-relay/internal/sweeper"
)

func main() {
	cfg := configs.InitConfig()
	slog.SetDefault(cfg.NewLogger())

	rootCmd := newRootCmd(&deps{
		relayURL:   cfg.Worker.RelayURL,
		eventQueue: cfg.RabbitMQ.EventsQueueName,
		openSweeper: func(ctx context.Context) (*sweeper.Scheduler, func(), error) {
			return openSweeper(ctx, cfg)
		},
		openQueue: func(ctx context.Context) (domain.Queue, error) {
			if !cfg.RabbitMQ.Enabled() {
				return nil, errors.New("RABBIT_HOST is not set")
			}
			client, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.EventsQueueName})
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openSweeper connects straight to postgres. The sweep pass needs no running server.
func openSweeper(ctx context.Context, cfg *configs.Config) (*sweeper.Scheduler, func(), error) {
	if cfg.StorageDriver != configs.StorageDriverPostgres {
		return nil, nil, fmt.Errorf("sweep needs the postgres store, STORAGE_DRIVER is %q", cfg.StorageDriver)
	}

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){storage.Close}

	var lock domain.DistributedLock
	if cfg.RedisConfig.Enabled() {
		client, err := redis.NewClient(ctx, cfg.RedisConfig.ToRedisConnectionUri())
		if err != nil {
			storage.Close()
			return nil, nil, err
		}
		lock = client
		closers = append(closers, func() { _ = client.Close() })
	}

	service := relay.NewService(storage, classifier.New(), events.NewBus(), cfg.Relay.ToRelayOptions())
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return sweeper.New(service, sweeper.Config{Interval: cfg.Relay.SweepInterval(), Lock: lock}), closeAll, nil
}
