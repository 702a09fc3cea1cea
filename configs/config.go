package configs

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sf7293/task-relay/internal/relay"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	ServerPort             string `envconfig:"SERVER_PORT" default:"8600"`
	ServerTimeOutInSeconds int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	StorageDriver          string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat              string `envconfig:"LOG_FORMAT" default:"text"`
	Database               DatabaseConfig
	RabbitMQ               RabbitMQConfig
	RedisConfig            RedisConfig
	Relay                  RelayConfig
	Worker                 WorkerConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"4"`
}

type RabbitMQConfig struct {
	Username        string `envconfig:"RABBIT_USERNAME"`
	Password        string `envconfig:"RABBIT_PASSWORD"`
	Host            string `envconfig:"RABBIT_HOST"`
	Port            string `envconfig:"RABBIT_PORT"`
	EventsQueueName string `envconfig:"EVENTS_QUEUE_NAME" default:"relay.events"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

// RelayConfig holds the broker deadlines. Durations are in seconds.
type RelayConfig struct {
	SweepIntervalSeconds     int   `envconfig:"SWEEP_INTERVAL_SECONDS" default:"30"`
	PendingTimeoutSeconds    int   `envconfig:"PENDING_TIMEOUT_SECONDS" default:"300"`
	ProcessingTimeoutSeconds int   `envconfig:"PROCESSING_TIMEOUT_SECONDS" default:"600"`
	HeartbeatTimeoutSeconds  int   `envconfig:"HEARTBEAT_TIMEOUT_SECONDS" default:"90"`
	LockStaleSeconds         int   `envconfig:"LOCK_STALE_SECONDS" default:"900"`
	MaxRetries               int   `envconfig:"MAX_RETRIES" default:"3"`
	RetryBackoffSeconds      []int `envconfig:"RETRY_BACKOFF_SECONDS" default:"30,60,120"`
}

type WorkerConfig struct {
	RelayURL         string `envconfig:"RELAY_URL" default:"http://localhost:8600"`
	ID               string `envconfig:"WORKER_ID"`
	Name             string `envconfig:"WORKER_NAME" default:"worker"`
	Process          string `envconfig:"WORKER_PROCESS" default:"echo"`
	PollSeconds      int    `envconfig:"WORKER_POLL_SECONDS" default:"2"`
	HeartbeatSeconds int    `envconfig:"WORKER_HEARTBEAT_SECONDS" default:"30"`
	PreferReadOnly   bool   `envconfig:"WORKER_PREFER_READ_ONLY"`
	HealthPort       string `envconfig:"WORKER_HEALTH_PORT"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToTestMigrationUri returns a string specifically for the migration package with the right prefix for test database
func (d DatabaseConfig) ToTestMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToTestDBConnectionUri returns a string specifically for running the integration tests
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// Enabled reports whether a broker is configured. The event sink is optional.
func (d RabbitMQConfig) Enabled() bool {
	return d.Host != ""
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func (d RedisConfig) Enabled() bool {
	return d.Host != ""
}

func (r RelayConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// ToRelayOptions converts the env values into broker options.
func (r RelayConfig) ToRelayOptions() relay.Options {
	backoff := make([]time.Duration, 0, len(r.RetryBackoffSeconds))
	for _, s := range r.RetryBackoffSeconds {
		backoff = append(backoff, time.Duration(s)*time.Second)
	}
	return relay.Options{
		PendingTimeout:    time.Duration(r.PendingTimeoutSeconds) * time.Second,
		ProcessingTimeout: time.Duration(r.ProcessingTimeoutSeconds) * time.Second,
		HeartbeatTimeout:  time.Duration(r.HeartbeatTimeoutSeconds) * time.Second,
		LockStaleAfter:    time.Duration(r.LockStaleSeconds) * time.Second,
		MaxRetries:        r.MaxRetries,
		RetryBackoff:      backoff,
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		log.Fatalf("Cannot load env: %v", err)
	}

	return &cfg
}
