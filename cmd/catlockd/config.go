package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-sql-driver/mysql"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap/zapcore"

	"catlock/circuit"
	"catlock/consume"
)

var errInvalidConfig = errors.New("invalid daemon configuration")

// Store backends.
const (
	storeMySQL  = "mysql"
	storeRedis  = "redis"
	storeMemory = "memory"
)

// daemonConfig is the resolved command line and environment configuration.
type daemonConfig struct {
	Store         string
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChunkSize     int
	Breaker       circuit.Config

	Brokers      []string
	TopicPrefix  string
	TxIDPrefix   string
	KafkaVersion sarama.KafkaVersion

	Consume      bool
	Group        string
	StartOffset  consume.StartOffset
	PollInterval time.Duration
	DedupTTL     time.Duration
	EventBuffer  int

	AdminAddr       string
	LogLevel        zapcore.Level
	LogDevelopment  bool
	TraceStdout     bool
	ShutdownTimeout time.Duration
}

func daemonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "store", Usage: "lock store backend (mysql, redis, memory)", Value: storeMySQL, Sources: cli.EnvVars("CATLOCK_STORE")},
		&cli.StringFlag{Name: "mysql-dsn", Usage: "MySQL DSN for the lock store and import jobs", Sources: cli.EnvVars("CATLOCK_MYSQL_DSN")},
		&cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the lock store", Value: "localhost:6379", Sources: cli.EnvVars("CATLOCK_REDIS_ADDR")},
		&cli.StringFlag{Name: "redis-password", Usage: "Redis password", Sources: cli.EnvVars("CATLOCK_REDIS_PASSWORD")},
		&cli.IntFlag{Name: "redis-db", Usage: "Redis database number", Sources: cli.EnvVars("CATLOCK_REDIS_DB")},
		&cli.IntFlag{Name: "chunk-size", Usage: "maximum entries per conflict lookup", Value: 100, Sources: cli.EnvVars("CATLOCK_CHUNK_SIZE")},
		&cli.IntFlag{Name: "store-breaker-threshold", Usage: "consecutive store failures that open the circuit", Value: 5, Sources: cli.EnvVars("CATLOCK_STORE_BREAKER_THRESHOLD")},
		&cli.DurationFlag{Name: "store-breaker-timeout", Usage: "how long an open store circuit rejects calls", Value: 30 * time.Second, Sources: cli.EnvVars("CATLOCK_STORE_BREAKER_TIMEOUT")},

		&cli.StringSliceFlag{Name: "brokers", Usage: "Kafka bootstrap brokers, publishing and consuming are off when empty", Sources: cli.EnvVars("CATLOCK_BROKERS")},
		&cli.StringFlag{Name: "topic-prefix", Usage: "prefix of the event topics", Value: "catalog.", Sources: cli.EnvVars("CATLOCK_TOPIC_PREFIX")},
		&cli.StringFlag{Name: "transactional-id-prefix", Usage: "prefix of broker transactional ids", Value: "catlock", Sources: cli.EnvVars("CATLOCK_TRANSACTIONAL_ID_PREFIX")},
		&cli.StringFlag{Name: "kafka-version", Usage: "broker protocol version", Value: sarama.V2_8_0_0.String(), Sources: cli.EnvVars("CATLOCK_KAFKA_VERSION")},

		&cli.BoolFlag{Name: "consume", Usage: "run the event consumer", Sources: cli.EnvVars("CATLOCK_CONSUME")},
		&cli.StringFlag{Name: "group", Usage: "consumer group", Value: "catlock", Sources: cli.EnvVars("CATLOCK_GROUP")},
		&cli.StringFlag{Name: "start-offset", Usage: "resume, beginning, end or an explicit offset", Value: "resume", Sources: cli.EnvVars("CATLOCK_START_OFFSET")},
		&cli.DurationFlag{Name: "poll-interval", Usage: "consumer poll interval", Value: 15 * time.Second, Sources: cli.EnvVars("CATLOCK_POLL_INTERVAL")},
		&cli.DurationFlag{Name: "dedup-ttl", Usage: "how long consumed event ids are remembered to skip redeliveries", Value: 24 * time.Hour, Sources: cli.EnvVars("CATLOCK_DEDUP_TTL")},
		&cli.IntFlag{Name: "event-buffer", Usage: "consumed events kept for the admin API", Value: 1000, Sources: cli.EnvVars("CATLOCK_EVENT_BUFFER")},

		&cli.StringFlag{Name: "admin-addr", Usage: "admin API and metrics listen address", Value: ":8080", Sources: cli.EnvVars("CATLOCK_ADMIN_ADDR")},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: "info", Sources: cli.EnvVars("CATLOCK_LOG_LEVEL")},
		&cli.BoolFlag{Name: "trace-stdout", Usage: "export spans as JSON to stderr", Sources: cli.EnvVars("CATLOCK_TRACE_STDOUT")},
		&cli.BoolFlag{Name: "log-development", Usage: "human readable logs", Sources: cli.EnvVars("CATLOCK_LOG_DEVELOPMENT")},
		&cli.DurationFlag{Name: "shutdown-timeout", Usage: "bound on graceful shutdown", Value: 30 * time.Second, Sources: cli.EnvVars("CATLOCK_SHUTDOWN_TIMEOUT")},
	}
}

// configFromCommand reads the flags of cmd.
func configFromCommand(cmd *cli.Command) (*daemonConfig, error) {
	cfg := &daemonConfig{
		Store:           cmd.String("store"),
		MySQLDSN:        cmd.String("mysql-dsn"),
		RedisAddr:       cmd.String("redis-addr"),
		RedisPassword:   cmd.String("redis-password"),
		RedisDB:         int(cmd.Int("redis-db")),
		ChunkSize:       int(cmd.Int("chunk-size")),
		Breaker: circuit.Config{
			Threshold:       int(cmd.Int("store-breaker-threshold")),
			Timeout:         cmd.Duration("store-breaker-timeout"),
			HalfOpenMaxReqs: circuit.DefaultConfig().HalfOpenMaxReqs,
		},
		Brokers:         cmd.StringSlice("brokers"),
		TopicPrefix:     cmd.String("topic-prefix"),
		TxIDPrefix:      cmd.String("transactional-id-prefix"),
		Consume:         cmd.Bool("consume"),
		Group:           cmd.String("group"),
		PollInterval:    cmd.Duration("poll-interval"),
		DedupTTL:        cmd.Duration("dedup-ttl"),
		EventBuffer:     int(cmd.Int("event-buffer")),
		AdminAddr:       cmd.String("admin-addr"),
		LogDevelopment:  cmd.Bool("log-development"),
		TraceStdout:     cmd.Bool("trace-stdout"),
		ShutdownTimeout: cmd.Duration("shutdown-timeout"),
	}

	version, err := sarama.ParseKafkaVersion(cmd.String("kafka-version"))
	if err != nil {
		return nil, fmt.Errorf("%w: kafka-version: %v", errInvalidConfig, err)
	}
	cfg.KafkaVersion = version

	start, err := consume.ParseStartOffset(cmd.String("start-offset"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	cfg.StartOffset = start

	level, err := zapcore.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("%w: log-level: %v", errInvalidConfig, err)
	}
	cfg.LogLevel = level

	if cfg.Store == storeMySQL && cfg.MySQLDSN != "" {
		dsn, err := mysqlDSN(cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		cfg.MySQLDSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mysqlDSN forces parseTime, which the lock store relies on.
func mysqlDSN(raw string) (string, error) {
	mc, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("%w: mysql-dsn: %v", errInvalidConfig, err)
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

// Validate checks that the selected components have what they need.
func (c *daemonConfig) Validate() error {
	switch c.Store {
	case storeMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("%w: mysql store requires mysql-dsn", errInvalidConfig)
		}
	case storeRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis store requires redis-addr", errInvalidConfig)
		}
	case storeMemory:
	default:
		return fmt.Errorf("%w: unknown store %q", errInvalidConfig, c.Store)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk-size must be positive", errInvalidConfig)
	}
	if c.Store != storeMemory {
		if err := c.Breaker.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errInvalidConfig, err)
		}
	}
	if c.Consume {
		if len(c.Brokers) == 0 {
			return fmt.Errorf("%w: consume requires brokers", errInvalidConfig)
		}
		if c.Group == "" {
			return fmt.Errorf("%w: consume requires a group", errInvalidConfig)
		}
		if c.PollInterval <= 0 {
			return fmt.Errorf("%w: poll-interval must be positive", errInvalidConfig)
		}
		if c.DedupTTL <= 0 {
			return fmt.Errorf("%w: dedup-ttl must be positive", errInvalidConfig)
		}
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown-timeout must be positive", errInvalidConfig)
	}
	return nil
}
