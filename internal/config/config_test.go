package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr=%s", cfg.HTTPAddr)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("CacheTTL=%s", cfg.CacheTTL)
	}
	if cfg.RetentionKeep != 5 {
		t.Fatalf("RetentionKeep=%d", cfg.RetentionKeep)
	}
	if cfg.Prefix != "snapgate/" {
		t.Fatalf("Prefix=%s", cfg.Prefix)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
http_addr: ":9090"
cache_ttl: 30m
retention_keep: 3
store:
  endpoint: store.internal:9000
  access_key: ak
  secret_key: sk
  bucket: snap-prod
admin_auth_secret: hunter2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr=%s", cfg.HTTPAddr)
	}
	if cfg.CacheTTL != 30*time.Minute {
		t.Fatalf("CacheTTL=%s", cfg.CacheTTL)
	}
	if cfg.RetentionKeep != 3 {
		t.Fatalf("RetentionKeep=%d", cfg.RetentionKeep)
	}
	if cfg.Store.Endpoint != "store.internal:9000" || cfg.Store.Bucket != "snap-prod" {
		t.Fatalf("Store=%+v", cfg.Store)
	}
	if cfg.AdminAuthSecret != "hunter2" {
		t.Fatalf("AdminAuthSecret=%q", cfg.AdminAuthSecret)
	}
	// Untouched by the file: defaults survive.
	if cfg.DownloadTimeout != 5*time.Minute {
		t.Fatalf("DownloadTimeout=%s", cfg.DownloadTimeout)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
http_addr: ":9090"
cache_ttl: 30m
`)
	t.Setenv("SNAPGATE_HTTP_ADDR", ":7070")
	t.Setenv("SNAPGATE_CACHE_TTL", "15m")
	t.Setenv("SNAPGATE_STORE_BUCKET", "env-bucket")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("HTTPAddr=%s", cfg.HTTPAddr)
	}
	if cfg.CacheTTL != 15*time.Minute {
		t.Fatalf("CacheTTL=%s", cfg.CacheTTL)
	}
	if cfg.Store.Bucket != "env-bucket" {
		t.Fatalf("Store.Bucket=%s", cfg.Store.Bucket)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("SNAPGATE_CACHE_TTL", "soon")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unparseable duration")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate_RejectsBadRetention(t *testing.T) {
	cfg := Default()
	cfg.RetentionKeep = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for retention keep 0")
	}
}

func TestValidate_RequiresStore(t *testing.T) {
	cfg := Default()
	cfg.Store.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}
