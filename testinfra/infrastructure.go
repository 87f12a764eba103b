// Package testinfra provides test infrastructure for running catlock against
// real MySQL and Redis servers. Tests using it skip when a server is not
// reachable.
package testinfra

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"catlock"
	"catlock/consume"
	mysqlstore "catlock/store/mysql"
	redisstore "catlock/store/redis"
)

// DefaultConfig returns the test configuration, read from CATLOCK_TEST_*
// environment variables.
func DefaultConfig() TestConfig {
	db, _ := strconv.Atoi(os.Getenv("CATLOCK_TEST_REDIS_DB"))
	return TestConfig{
		MySQLDSN:      getEnvOrDefault("CATLOCK_TEST_MYSQL_DSN", "root:123456@tcp(localhost:3306)/catlock_test?parseTime=true"),
		RedisAddr:     getEnvOrDefault("CATLOCK_TEST_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("CATLOCK_TEST_REDIS_PASSWORD"),
		RedisDB:       db,
		PingTimeout:   5 * time.Second,
	}
}

// TestConfig holds test configuration
type TestConfig struct {
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PingTimeout   time.Duration
}

// TestInfrastructure holds connections to the servers a test asked for.
type TestInfrastructure struct {
	DB     *sql.DB
	Redis  *redis.Client
	Config TestConfig
	testID string
}

func newInfrastructure() *TestInfrastructure {
	return &TestInfrastructure{
		Config: DefaultConfig(),
		testID: fmt.Sprintf("test-%d", time.Now().UnixNano()),
	}
}

// NewMySQL connects to MySQL and creates the lock and import job tables.
func NewMySQL(t *testing.T) *TestInfrastructure {
	t.Helper()
	ti := newInfrastructure()

	db, err := sql.Open("mysql", ti.Config.MySQLDSN)
	if err != nil {
		t.Skipf("Skipping test: MySQL connection failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ti.Config.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("Skipping test: MySQL ping failed: %v", err)
	}
	if err := mysqlstore.New(db).Migrate(ctx); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, consume.ImportJobSchema); err != nil {
		db.Close()
		t.Fatalf("migrate import jobs: %v", err)
	}
	ti.DB = db
	t.Cleanup(func() { ti.Close() })
	return ti
}

// NewRedis connects to Redis.
func NewRedis(t *testing.T) *TestInfrastructure {
	t.Helper()
	ti := newInfrastructure()

	client := redis.NewClient(&redis.Options{
		Addr:     ti.Config.RedisAddr,
		Password: ti.Config.RedisPassword,
		DB:       ti.Config.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), ti.Config.PingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping test: Redis ping failed: %v", err)
	}
	ti.Redis = client
	t.Cleanup(func() {
		ti.Cleanup(t)
		ti.Close()
	})
	return ti
}

// TestID returns the unique test identifier
func (ti *TestInfrastructure) TestID() string {
	return ti.testID
}

// ID returns a test scoped identifier.
func (ti *TestInfrastructure) ID(suffix string) string {
	return ti.testID + "-" + suffix
}

// MySQLStore returns a lock store on the test database.
func (ti *TestInfrastructure) MySQLStore() *mysqlstore.MySQLStore {
	return mysqlstore.New(ti.DB)
}

// RedisStore returns a lock store whose keys live under a test scoped
// prefix, removed by Cleanup.
func (ti *TestInfrastructure) RedisStore() *redisstore.RedisStore {
	return redisstore.New(ti.Redis, redisstore.WithPrefix(ti.redisPrefix()))
}

func (ti *TestInfrastructure) redisPrefix() string {
	return "{" + ti.testID + "}:"
}

// NewManager returns a manager on store logging to the test.
func (ti *TestInfrastructure) NewManager(t *testing.T, store catlock.LockStore) *catlock.Manager {
	t.Helper()
	m, err := catlock.NewManager(catlock.WithStore(store), catlock.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// InsertImportJob inserts a RUNNING import job.
func (ti *TestInfrastructure) InsertImportJob(t *testing.T, id string) {
	t.Helper()
	_, err := ti.DB.ExecContext(context.Background(),
		"INSERT INTO import_jobs (id, status, updated_at) VALUES (?, 'RUNNING', ?)", id, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert import job: %v", err)
	}
	t.Cleanup(func() {
		_, _ = ti.DB.ExecContext(context.Background(), "DELETE FROM import_jobs WHERE id = ?", id)
	})
}

// ImportJob returns the status and error message of an import job.
func (ti *TestInfrastructure) ImportJob(t *testing.T, id string) (string, string) {
	t.Helper()
	var status string
	var message sql.NullString
	err := ti.DB.QueryRowContext(context.Background(),
		"SELECT status, error_message FROM import_jobs WHERE id = ?", id).Scan(&status, &message)
	if err != nil {
		t.Fatalf("read import job: %v", err)
	}
	return status, message.String
}

// Cleanup removes the Redis keys written under the test prefix. MySQL rows
// are removed through the store by the tests that create them.
func (ti *TestInfrastructure) Cleanup(t *testing.T) {
	t.Helper()
	if ti.Redis == nil {
		return
	}
	ctx := context.Background()
	keys, err := ti.Redis.Keys(ctx, ti.redisPrefix()+"*").Result()
	if err != nil {
		t.Logf("Warning: failed to list redis keys: %v", err)
		return
	}
	if len(keys) > 0 {
		ti.Redis.Del(ctx, keys...)
	}
}

// Close closes the connections.
func (ti *TestInfrastructure) Close() {
	if ti.DB != nil {
		ti.DB.Close()
	}
	if ti.Redis != nil {
		ti.Redis.Close()
	}
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
