package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"catlock"
	"catlock/circuit"
	"catlock/consume"
	"catlock/event"
)

// ============================================================================
// Test Helpers
// ============================================================================

// parse runs the serve command with args and returns the resolved config.
func parse(t *testing.T, args ...string) (*daemonConfig, error) {
	t.Helper()
	var got *daemonConfig
	app := newApp(func(_ context.Context, cfg *daemonConfig) error {
		got = cfg
		return nil
	})
	err := app.Run(context.Background(), append([]string{"catlockd", "serve"}, args...))
	return got, err
}

func validConfig() *daemonConfig {
	return &daemonConfig{
		Store:           storeMemory,
		ChunkSize:       100,
		Group:           "catlock",
		PollInterval:    time.Second,
		DedupTTL:        time.Hour,
		ShutdownTimeout: time.Second,
	}
}

// ============================================================================
// Configuration
// ============================================================================

func TestConfig_Defaults(t *testing.T) {
	cfg, err := parse(t, "--store", "memory")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ChunkSize != 100 || cfg.TopicPrefix != "catalog." || cfg.Group != "catlock" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.KafkaVersion != sarama.V2_8_0_0 {
		t.Errorf("kafka version = %s", cfg.KafkaVersion)
	}
	if cfg.StartOffset.Policy != consume.OffsetResume {
		t.Errorf("start offset = %v, want resume", cfg.StartOffset.Policy)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("store breaker = %+v", cfg.Breaker)
	}
	if cfg.LogLevel != zapcore.InfoLevel || cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("log level %s, shutdown timeout %s", cfg.LogLevel, cfg.ShutdownTimeout)
	}
}

func TestConfig_FlagsAndEnvironment(t *testing.T) {
	t.Setenv("CATLOCK_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CATLOCK_LOG_LEVEL", "debug")

	cfg, err := parse(t,
		"--store", "redis",
		"--redis-addr", "cache:6379",
		"--consume",
		"--start-offset", "42",
		"--poll-interval", "2s",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Store != storeRedis || cfg.RedisAddr != "cache:6379" {
		t.Errorf("store = %s at %s", cfg.Store, cfg.RedisAddr)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Brokers)
	}
	if cfg.StartOffset != consume.ExplicitOffset(42) {
		t.Errorf("start offset = %+v", cfg.StartOffset)
	}
	if !cfg.Consume || cfg.PollInterval != 2*time.Second || cfg.LogLevel != zapcore.DebugLevel {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestConfig_MySQLDSNGetsParseTime(t *testing.T) {
	cfg, err := parse(t, "--mysql-dsn", "user:pw@tcp(db:3306)/catalog")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(cfg.MySQLDSN, "parseTime=true") {
		t.Errorf("dsn = %s, want parseTime=true", cfg.MySQLDSN)
	}
}

func TestConfig_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"mysql without dsn", nil},
		{"unknown store", []string{"--store", "etcd"}},
		{"bad kafka version", []string{"--store", "memory", "--kafka-version", "banana"}},
		{"bad start offset", []string{"--store", "memory", "--start-offset", "-3"}},
		{"bad log level", []string{"--store", "memory", "--log-level", "loud"}},
		{"bad dsn", []string{"--mysql-dsn", "not a dsn"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(t, tt.args...); !errors.Is(err, errInvalidConfig) {
				t.Errorf("expected errInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDaemonConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*daemonConfig)
		ok     bool
	}{
		{"valid", func(*daemonConfig) {}, true},
		{"zero chunk size", func(c *daemonConfig) { c.ChunkSize = 0 }, false},
		{"consume without brokers", func(c *daemonConfig) { c.Consume = true }, false},
		{"consume with brokers", func(c *daemonConfig) { c.Consume = true; c.Brokers = []string{"k:9092"} }, true},
		{"consume without group", func(c *daemonConfig) {
			c.Consume = true
			c.Brokers = []string{"k:9092"}
			c.Group = ""
		}, false},
		{"redis without addr", func(c *daemonConfig) { c.Store = storeRedis }, false},
		{"redis without breaker", func(c *daemonConfig) { c.Store = storeRedis; c.RedisAddr = "r:6379" }, false},
		{"redis with breaker", func(c *daemonConfig) {
			c.Store = storeRedis
			c.RedisAddr = "r:6379"
			c.Breaker = circuit.DefaultConfig()
		}, true},
		{"no shutdown timeout", func(c *daemonConfig) { c.ShutdownTimeout = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.ok && !errors.Is(err, errInvalidConfig) {
				t.Errorf("expected errInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CATLOCK_TEST_FROM_FILE=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CATLOCK_TEST_FROM_FILE", "")
	os.Unsetenv("CATLOCK_TEST_FROM_FILE")
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("CATLOCK_TEST_FROM_FILE"); got != "yes" {
		t.Errorf("CATLOCK_TEST_FROM_FILE = %q", got)
	}
}

// ============================================================================
// Daemon
// ============================================================================

func TestVerifyImportObjects(t *testing.T) {
	ok, err := event.NewCompressedObject("job-1", string(catlock.TargetImportJob), []byte(`{"rows":3}`))
	if err != nil {
		t.Fatal(err)
	}
	e := event.New(event.ActionImport, "importer", "", ok, event.NewObject("obj-1", string(catlock.TargetCulturalObject), nil))
	if err := verifyImportObjects(context.Background(), e); err != nil {
		t.Errorf("valid import rejected: %v", err)
	}

	broken := ok
	broken.Content = "%%%"
	e = event.New(event.ActionImport, "importer", "", broken)
	if err := verifyImportObjects(context.Background(), e); !errors.Is(err, event.ErrCodec) {
		t.Errorf("expected ErrCodec, got %v", err)
	}
}

func TestNewDaemon_MemoryStoreWithoutBroker(t *testing.T) {
	cfg := validConfig()
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.EventBuffer = 10
	d, err := newDaemon(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	if d.publisher != nil || d.consumer != nil {
		t.Error("publisher and consumer need brokers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = zapcore.WarnLevel
	logger, err := newLogger(cfg)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) || !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("logger level not applied")
	}
}
