// Package config assembles the process configuration from defaults, an
// optional YAML file and the environment, in that order. A .env file in
// the working directory is loaded first.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/faqeel/sparkify-pipeline/internal/objectstore"
	internal_secrets "github.com/faqeel/sparkify-pipeline/internal/secrets"
	internal_warehouse "github.com/faqeel/sparkify-pipeline/internal/warehouse"
	"github.com/faqeel/sparkify-pipeline/pkg/secrets"
	"github.com/faqeel/sparkify-pipeline/pkg/sparkify"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	DatabaseURL  string                               `yaml:"database_url"`
	Migrations   string                               `yaml:"migrations"`
	Warehouse    internal_warehouse.Config            `yaml:"warehouse"`
	ObjectStore  objectstore.Config                   `yaml:"object_store"`
	Credentials  map[string]internal_secrets.Location `yaml:"credentials"`
	Vars         map[string]string                    `yaml:"vars"`
	Pipeline     sparkify.Config                      `yaml:"pipeline"`
	Workers      int                                  `yaml:"workers"`
	HTTPAddr     string                               `yaml:"http_addr"`
	PollInterval time.Duration                        `yaml:"poll_interval"`
	Tracing      TracingConfig                        `yaml:"tracing"`
	Log          LogConfig                            `yaml:"log"`

	// static holds credentials given directly in the environment.
	static secrets.Static
}

func Default() Config {
	return Config{
		Migrations:   "file://migrations",
		Warehouse:    internal_warehouse.Config{MaxConns: 4, PingTimeout: 5 * time.Second},
		Credentials:  map[string]internal_secrets.Location{},
		Vars:         map[string]string{},
		Pipeline:     sparkify.DefaultConfig(),
		Workers:      4,
		HTTPAddr:     ":8080",
		PollInterval: time.Minute,
		Log:          LogConfig{Level: "INFO", Format: "text"},
		static:       secrets.Static{},
	}
}

// Load builds the configuration. location may be empty, a local path or
// any URL the afs storage layer understands.
func Load(ctx context.Context, location string) (Config, error) {
	// Missing .env files are expected outside development.
	_ = godotenv.Load()

	cfg := Default()
	if location == "" {
		location = os.Getenv("SPARKIFY_CONFIG")
	}
	if location != "" {
		data, err := afs.New().DownloadWithURL(ctx, location)
		if err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config %s", location)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config %s", location)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	c.DatabaseURL = String("DATABASE_URL", c.DatabaseURL)
	if c.DatabaseURL == "" {
		dbUsername := os.Getenv("DB_USERNAME")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbHost := os.Getenv("DB_HOST")
		dbPort := String("DB_PORT", "5432")
		dbName := os.Getenv("DB_NAME")
		if dbUsername != "" && dbPassword != "" && dbHost != "" && dbName != "" {
			c.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				dbUsername, dbPassword, dbHost, dbPort, dbName)
		}
	}
	c.Migrations = String("MIGRATIONS_SOURCE", c.Migrations)

	c.Warehouse.URL = String("REDSHIFT_URL", c.Warehouse.URL)
	maxConns, err := Int("REDSHIFT_MAX_CONNS", int(c.Warehouse.MaxConns))
	if err != nil {
		return err
	}
	c.Warehouse.MaxConns = int32(maxConns)
	if c.Warehouse.PingTimeout, err = Duration("REDSHIFT_PING_TIMEOUT", c.Warehouse.PingTimeout); err != nil {
		return err
	}

	c.ObjectStore.Endpoint = String("MINIO_ENDPOINT", c.ObjectStore.Endpoint)
	c.ObjectStore.AccessKey = String("MINIO_ACCESS_KEY", c.ObjectStore.AccessKey)
	c.ObjectStore.SecretKey = String("MINIO_SECRET_KEY", c.ObjectStore.SecretKey)
	c.ObjectStore.Region = String("MINIO_REGION", c.ObjectStore.Region)
	if c.ObjectStore.UseSSL, err = Bool("MINIO_USE_SSL", c.ObjectStore.UseSSL); err != nil {
		return err
	}

	if c.Vars == nil {
		c.Vars = map[string]string{}
	}
	if bucket, ok := os.LookupEnv("S3_BUCKET"); ok {
		c.Vars[sparkify.BucketVar] = bucket
	}
	c.Pipeline.Region = String("AWS_REGION", c.Pipeline.Region)

	if c.static == nil {
		c.static = secrets.Static{}
	}
	keyID, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if keyID != "" && secret != "" {
		c.static[c.Pipeline.CredentialsRef] = secrets.Credentials{
			AccessKeyID:     keyID,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		}
	}

	settings := &c.Pipeline.Settings
	settings.Schedule = String("SPARKIFY_SCHEDULE", settings.Schedule)
	if settings.Catchup, err = Bool("SPARKIFY_CATCHUP", settings.Catchup); err != nil {
		return err
	}
	if settings.StartDate, err = Time("SPARKIFY_START_DATE", settings.StartDate); err != nil {
		return err
	}
	if settings.Retries, err = Int("SPARKIFY_RETRIES", settings.Retries); err != nil {
		return err
	}
	if settings.RetryDelay, err = Duration("SPARKIFY_RETRY_DELAY", settings.RetryDelay); err != nil {
		return err
	}

	if c.Workers, err = Int("SPARKIFY_WORKERS", c.Workers); err != nil {
		return err
	}
	c.HTTPAddr = String("HTTP_ADDR", c.HTTPAddr)
	if c.PollInterval, err = Duration("SPARKIFY_POLL_INTERVAL", c.PollInterval); err != nil {
		return err
	}
	if c.Tracing.Enabled, err = Bool("TRACING_ENABLED", c.Tracing.Enabled); err != nil {
		return err
	}
	c.Tracing.Output = String("TRACING_OUTPUT", c.Tracing.Output)
	c.Log.Level = String("LOG_LEVEL", c.Log.Level)
	c.Log.Format = String("LOG_FORMAT", c.Log.Format)
	return nil
}

// Resolver resolves credentials from the environment first, then from the
// configured scy locations.
func (c Config) Resolver() secrets.Resolver {
	return secrets.Chain{c.static, internal_secrets.NewScyResolver(c.Credentials)}
}

// Validate checks what every command needs: a run-state database.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_NAME) required")
	}
	if c.Workers < 1 {
		return errors.New("SPARKIFY_WORKERS must be >= 1")
	}
	return nil
}
