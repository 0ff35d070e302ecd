package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got: %s", cfg.Port)
	}
	if cfg.DatabaseType != "memory" {
		t.Errorf("expected memory database, got: %s", cfg.DatabaseType)
	}
	if cfg.DBSchema != "pulp_docker" {
		t.Errorf("expected schema pulp_docker, got: %s", cfg.DBSchema)
	}
	if cfg.DefaultStorageBackend != "memory" {
		t.Errorf("expected memory storage backend, got: %s", cfg.DefaultStorageBackend)
	}
	if cfg.Workers != 4 {
		t.Errorf("expected 4 workers, got: %d", cfg.Workers)
	}
}

func TestWithPort(t *testing.T) {
	cfg, err := Load(WithPort("9090"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got: %s", cfg.Port)
	}
}

func TestWithPortEmpty(t *testing.T) {
	_, err := Load(WithPort(""))
	if err == nil {
		t.Error("expected error for empty port, got nil")
	}
}

func TestWithEnvironment(t *testing.T) {
	cfg, err := Load(WithEnvironment("production"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Environment != "production" {
		t.Errorf("expected environment production, got: %s", cfg.Environment)
	}
}

func TestWithDatabase(t *testing.T) {
	tests := []struct {
		name      string
		dbType    string
		url       string
		wantError bool
	}{
		{"memory valid", "memory", "", false},
		{"postgres valid", "postgres", "postgresql://localhost/test", false},
		{"postgres missing url", "postgres", "", true},
		{"invalid type", "mysql", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(WithDatabase(tt.dbType, tt.url))
			if tt.wantError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if cfg.DatabaseType != tt.dbType {
				t.Errorf("expected database type %s, got: %s", tt.dbType, cfg.DatabaseType)
			}
			if cfg.DatabaseURL != tt.url {
				t.Errorf("expected database URL %s, got: %s", tt.url, cfg.DatabaseURL)
			}
		})
	}
}

func TestWithFilesystemStorage(t *testing.T) {
	cfg, err := Load(
		WithFilesystemStorage("fs", "/var/lib/pulp"),
		WithDefaultStorage("fs"),
	)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.DefaultStorageBackend != "fs" {
		t.Errorf("expected default backend fs, got: %s", cfg.DefaultStorageBackend)
	}

	backend := findBackend(t, cfg, "fs")
	if backend.Type != "fs" {
		t.Errorf("expected backend type fs, got: %s", backend.Type)
	}
	if backend.Config["base_dir"] != "/var/lib/pulp" {
		t.Errorf("expected base_dir /var/lib/pulp, got: %v", backend.Config["base_dir"])
	}
}

func TestWithFilesystemStorageEmptyDir(t *testing.T) {
	_, err := Load(WithFilesystemStorage("fs", ""))
	if err == nil {
		t.Error("expected error for empty base directory, got nil")
	}
}

func TestWithS3Storage(t *testing.T) {
	cfg, err := Load(
		WithS3Storage("s3", "pulp-blobs", ""),
		WithS3Credentials("s3", "AKIATEST", "secret"),
		WithS3Endpoint("s3", "http://localhost:9000", true),
		WithDefaultStorage("s3"),
	)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	backend := findBackend(t, cfg, "s3")
	if backend.Config["bucket"] != "pulp-blobs" {
		t.Errorf("expected bucket pulp-blobs, got: %v", backend.Config["bucket"])
	}
	if backend.Config["region"] != "us-east-1" {
		t.Errorf("expected default region us-east-1, got: %v", backend.Config["region"])
	}
	if backend.Config["access_key_id"] != "AKIATEST" {
		t.Errorf("expected access key to be set, got: %v", backend.Config["access_key_id"])
	}
	if backend.Config["endpoint"] != "http://localhost:9000" {
		t.Errorf("expected endpoint to be set, got: %v", backend.Config["endpoint"])
	}
	if backend.Config["use_path_style"] != true {
		t.Errorf("expected path style addressing, got: %v", backend.Config["use_path_style"])
	}
}

func TestWithS3StorageEmptyBucket(t *testing.T) {
	_, err := Load(WithS3Storage("s3", "", "us-east-1"))
	if err == nil {
		t.Error("expected error for empty bucket, got nil")
	}
}

func TestWithDefaultStorageUnknown(t *testing.T) {
	_, err := Load(WithDefaultStorage("missing"))
	if err == nil {
		t.Error("expected error for unknown default backend, got nil")
	}
}

func TestWithWorkers(t *testing.T) {
	cfg, err := Load(WithWorkers(8))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("expected 8 workers, got: %d", cfg.Workers)
	}

	if _, err := Load(WithWorkers(0)); err == nil {
		t.Error("expected error for zero workers, got nil")
	}
}

func TestWithAuthSecret(t *testing.T) {
	cfg, err := Load(WithAuthSecret("token-secret"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.AuthSecret != "token-secret" {
		t.Errorf("expected auth secret to be set, got: %s", cfg.AuthSecret)
	}
}

func findBackend(t *testing.T, cfg *ServerConfig, name string) StorageBackendConfig {
	t.Helper()
	for _, backend := range cfg.StorageBackends {
		if backend.Name == name {
			return backend
		}
	}
	t.Fatalf("backend %s not configured", name)
	return StorageBackendConfig{}
}
