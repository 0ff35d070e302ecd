// Package config loads server configuration and assembles the content
// service and its storage backends from it.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	storememory "github.com/lubosmj/pulp-docker/pkg/pulpdocker/store/memory"
	storepg "github.com/lubosmj/pulp-docker/pkg/pulpdocker/store/postgres"
	fsstorage "github.com/lubosmj/pulp-docker/pkg/pulpdocker/storage/fs"
	memorystorage "github.com/lubosmj/pulp-docker/pkg/pulpdocker/storage/memory"
	s3storage "github.com/lubosmj/pulp-docker/pkg/pulpdocker/storage/s3"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of
// library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:                  "8080",
		Environment:           "development",
		DatabaseType:          "memory",
		DBSchema:              "pulp_docker",
		DefaultStorageBackend: "memory",
		StorageBackends: []StorageBackendConfig{
			{
				Name:   "memory",
				Type:   "memory",
				Config: map[string]interface{}{},
			},
		},
		Workers:            4,
		EnableEventLogging: true,
	}
}

// ServerConfig represents server configuration for the content service
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// ContentHost is the host clients use for docker pull. When empty,
	// registry paths are computed from the request host.
	ContentHost string

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use (default: pulp_docker)

	// Storage configuration
	DefaultStorageBackend string
	StorageBackends       []StorageBackendConfig

	// Workers caps concurrently running tasks
	Workers int

	// AuthSecret enables bearer auth on the management API when non-empty
	AuthSecret string

	// Server options
	EnableEventLogging bool
}

// StorageBackendConfig represents configuration for a storage backend
type StorageBackendConfig struct {
	Name   string
	Type   string // "memory", "fs", "s3"
	Config map[string]interface{}
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}

	found := false
	for _, backend := range c.StorageBackends {
		if backend.Name == c.DefaultStorageBackend {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default storage backend '%s' not found in configured backends", c.DefaultStorageBackend)
	}

	return nil
}

// BuildStore creates the metadata store from the configuration
func (c *ServerConfig) BuildStore() (pulpdocker.Store, error) {
	switch c.DatabaseType {
	case "memory":
		return storememory.New(), nil
	case "postgres":
		pool, err := c.newPool()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if c.DBSchema != "" {
			if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", c.DBSchema)); err != nil {
				return nil, fmt.Errorf("failed to create schema: %w", err)
			}
		}
		if err := storepg.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		return storepg.NewWithPool(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func (c *ServerConfig) newPool() (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	schema := c.DBSchema
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if schema == "" {
			return nil
		}
		_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema))
		return err
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

// BuildService creates a Service instance from the server configuration.
// The returned store is the one backing the service, shared with the task
// runner and the registry handlers.
func (c *ServerConfig) BuildService(logger *slog.Logger) (pulpdocker.Service, pulpdocker.Store, error) {
	store, err := c.BuildStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build store: %w", err)
	}

	options := []pulpdocker.Option{
		pulpdocker.WithStore(store),
		pulpdocker.WithLogger(logger),
	}

	for _, backendConfig := range c.StorageBackends {
		backend, err := c.buildStorageBackend(backendConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build storage backend %s: %w", backendConfig.Name, err)
		}
		options = append(options, pulpdocker.WithBlobStore(backendConfig.Name, backend))
	}
	options = append(options, pulpdocker.WithDefaultBackend(c.DefaultStorageBackend))

	if c.ContentHost != "" {
		options = append(options, pulpdocker.WithContentHost(c.ContentHost))
	}
	if c.EnableEventLogging {
		options = append(options, pulpdocker.WithEventSink(pulpdocker.NewLoggingEventSink(logger)))
	}

	svc, err := pulpdocker.New(options...)
	if err != nil {
		return nil, nil, err
	}
	return svc, store, nil
}

// buildStorageBackend creates a BlobStore based on the backend configuration
func (c *ServerConfig) buildStorageBackend(config StorageBackendConfig) (pulpdocker.BlobStore, error) {
	switch config.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		fsConfig := fsstorage.Config{
			BaseDir: getString(config.Config, "base_dir", "./data/storage"),
		}
		return fsstorage.New(fsConfig)

	case "s3":
		s3Config := s3storage.Config{
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "use_path_style", false),
			PresignDuration:        getInt(config.Config, "presign_duration", 3600),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket_if_not_exist", false),
		}
		return s3storage.New(s3Config)

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", config.Type)
	}
}

// PingPostgres verifies connectivity to Postgres and optionally sets
// search_path for the session. It fails if the schema (when provided) does
// not exist.
func PingPostgres(databaseURL, schema string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema))
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
	}
	return defaultValue
}

func getInt(config map[string]interface{}, key string, defaultValue int) int {
	if value, exists := config[key]; exists {
		switch v := value.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return defaultValue
}
