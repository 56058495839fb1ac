// Package testutil provides fixtures shared by package tests: Postgres and Redis
// connections that skip when the infrastructure is absent, job request builders and a
// scripted browser.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/redis/go-redis/v9"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/migrate"
)

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
	Cleanup(func())
}

// TestDBConfig holds the test database location.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig reads TEST_DB_* variables. The port defaults to 55432, the local
// compose test profile; CI sets TEST_DB_PORT explicitly.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:     getEnvOrDefault("TEST_DB_PORT", "55432"),
		User:     getEnvOrDefault("TEST_DB_USER", "tripcore"),
		Password: getEnvOrDefault("TEST_DB_PASSWORD", "tripcore"),
		DBName:   getEnvOrDefault("TEST_DB_NAME", "tripcore"),
	}
}

// DSN renders the config as a pgx connection URL.
func (c TestDBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     c.DBName,
		RawQuery: url.Values{"sslmode": {getEnvOrDefault("DB_SSL_MODE", "disable")}}.Encode(),
	}
	return u.String()
}

// WithAutoDB runs fn against a freshly migrated schema that is dropped when the test ends.
// The test is skipped when Postgres is unreachable unless TEST_REQUIRE_DB is set.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	fn(SetupEphemeralSchemaDB(t))
}

// SetupEphemeralSchemaDB creates a unique schema, points search_path at it and applies
// the migrations.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	cfg := DefaultTestDBConfig()

	adminDB := openDB(t, cfg.DSN(), requireDB())
	schema := "t_" + randomSuffix()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := adminDB.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		closeAndLog(t, "admin DB", adminDB)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	u, err := url.Parse(cfg.DSN())
	if err != nil {
		t.Fatal("parse DSN:", err)
	}
	q := u.Query()
	q.Set("search_path", schema+",public")
	u.RawQuery = q.Encode()
	db := openDB(t, u.String(), true)
	db.SetMaxOpenConns(10)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeAndLog(t, "schema DB", db)
		if _, err := adminDB.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("warning: drop schema %s: %v", schema, err)
		}
		closeAndLog(t, "admin DB", adminDB)
	})

	if err := migrate.Run(ctx, db, nil); err != nil {
		t.Fatal("run migrations in ephemeral schema:", err)
	}
	t.Logf("using ephemeral schema %s", schema)
	return db
}

func openDB(t TestingTB, dsn string, required bool) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal("open test database:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		closeAndLog(t, "test DB", db)
		if required {
			t.Fatal("test database not available:", err)
		}
		t.Skip("test database not available:", err)
	}
	return db
}

// LogJobStates logs every row of the jobs table, oldest first.
func LogJobStates(t TestingTB, db *sql.DB, message string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT id, type, status, progress, retry_count, max_retries, error_class
		FROM jobs
		ORDER BY created_at ASC`)
	if err != nil {
		t.Fatalf("query job states: %v", err)
	}
	defer closeAndLog(t, "job state rows", rows)

	t.Logf("=== %s ===", message)
	for i := 1; rows.Next(); i++ {
		var (
			id, typ, status           string
			progress, retries, budget int
			class                     sql.NullString
		)
		if err := rows.Scan(&id, &typ, &status, &progress, &retries, &budget, &class); err != nil {
			t.Fatalf("scan job state: %v", err)
		}
		t.Logf("job %d: id=%s type=%s status=%s progress=%d retries=%d/%d class=%s",
			i, id, typ, status, progress, retries, budget, class.String)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate job states: %v", err)
	}
}

// SetupTestRedis connects to the test Redis and flushes the selected DB. The address
// comes from REDIS_ADDR, else localhost:56379; the DB index from TEST_REDIS_DB, else 15.
// The test is skipped when Redis is unreachable unless TEST_REQUIRE_REDIS is set.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	addr := getEnvOrDefault("REDIS_ADDR", "localhost:56379")
	dbIndex := 15
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			t.Fatalf("invalid TEST_REDIS_DB=%q", v)
		}
		dbIndex = i
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		closeAndLog(t, "redis client", client)
		if requireRedis() {
			t.Fatalf("redis not available at %s: %v", addr, err)
		}
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis db %d: %v", dbIndex, err)
	}
	t.Cleanup(func() { closeAndLog(t, "redis client", client) })
	return client
}

// TestTime returns a fixed instant for tests that need stable timestamps.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func closeAndLog(t TestingTB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("warning: close %s: %v", name, err)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func requireDB() bool    { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }
func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }
