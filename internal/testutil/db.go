package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/faqeel/sparkify-pipeline/internal/storage"
	"github.com/faqeel/sparkify-pipeline/pkg/sparkify"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Migrations is the run-state schema, relative to a package directory two
// levels below the repository root.
const Migrations = "file://../../migrations"

// TestDB is a disposable Postgres. ConnStr is a postgres:// URL that both
// lib/pq and pgx accept, so the same database backs the run-state store
// and the warehouse tests.
type TestDB struct {
	DB      *sqlx.DB
	ConnStr string
}

type options struct {
	migrations bool
	statements []string
}

type Option func(*options)

// WithoutMigrations leaves the run-state schema out.
func WithoutMigrations() Option {
	return func(o *options) { o.migrations = false }
}

// WithWarehouseSchema creates the staging and star-schema tables.
func WithWarehouseSchema() Option {
	return func(o *options) {
		for _, def := range sparkify.Schema {
			stmt, err := warehouse.CreateTable(def.Name, def.Columns...)
			if err != nil {
				panic(err)
			}
			o.statements = append(o.statements, stmt)
		}
	}
}

// SetupTestDB starts a Postgres container, applies the run-state migrations
// and any extra schema, and terminates the container when the test ends.
// The test is skipped when no container runtime is reachable.
func SetupTestDB(t *testing.T, opts ...Option) *TestDB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	o := options{migrations: true}
	for _, opt := range opts {
		opt(&o)
	}

	// DB_* from .env or the environment pick the credentials; defaults
	// are fine for a throwaway container.
	_ = godotenv.Load()
	user := envOr("DB_USERNAME", "sparkify")
	password := envOr("DB_PASSWORD", "sparkify")
	name := envOr("DB_NAME", "sparkify_test")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       name,
			},
			// Postgres restarts once after the init scripts.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ping := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 20)
	if err := backoff.Retry(db.Ping, backoff.WithContext(ping, ctx)); err != nil {
		t.Fatalf("Failed to ping test DB: %v", err)
	}

	if o.migrations {
		if err := storage.Migrate(Migrations, connStr); err != nil {
			t.Fatalf("Failed to apply migrations: %v", err)
		}
	}
	for _, stmt := range o.statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("Failed to apply schema statement %q: %v", stmt, err)
		}
	}
	return &TestDB{DB: db, ConnStr: connStr}
}

// Exec runs statements against the test database, failing the test on the
// first error.
func (td *TestDB) Exec(t *testing.T, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := td.DB.Exec(stmt); err != nil {
			t.Fatalf("Failed to execute %q: %v", stmt, err)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
