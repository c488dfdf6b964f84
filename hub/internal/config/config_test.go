package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {
				"username": "admin",
				"password": "admin123",
				"email": "admin@example.com"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"audit_retention": "72h"
		},
		"catalog": {
			"chain_cache_ttl": 30,
			"default_product_access": "none",
			"purchase_rules": ["developer.Email != \"\""],
			"day_granularity": true,
			"end_exclusive": true
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		},
		"metrics": {
			"path": "/internal/metrics"
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Server
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v, want [http://localhost:3000]", cfg.Server.AllowedOrigins)
	}

	// Auth
	if cfg.Auth.Provider != "builtin" {
		t.Errorf("Auth.Provider: got %q, want builtin", cfg.Auth.Provider)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("Auth.InitialAdmin is nil")
	}
	if cfg.Auth.InitialAdmin.Email != "admin@example.com" {
		t.Errorf("InitialAdmin.Email: got %q", cfg.Auth.InitialAdmin.Email)
	}

	// Storage
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v, want 72h", cfg.Storage.AuditRetention.Duration)
	}

	// Catalog
	if cfg.Catalog.ChainCacheTTL.Duration != 30*time.Second {
		t.Errorf("Catalog.ChainCacheTTL: got %v, want 30s", cfg.Catalog.ChainCacheTTL.Duration)
	}
	if cfg.Catalog.DefaultProductAccess != "none" {
		t.Errorf("Catalog.DefaultProductAccess: got %q, want none", cfg.Catalog.DefaultProductAccess)
	}
	if len(cfg.Catalog.PurchaseRules) != 1 {
		t.Errorf("Catalog.PurchaseRules: got %v", cfg.Catalog.PurchaseRules)
	}
	if !cfg.Catalog.DayGranularity || !cfg.Catalog.EndExclusive || cfg.Catalog.StartExclusive {
		t.Errorf("Catalog bounds: got %+v", cfg.Catalog)
	}

	// Logging
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}

	// Rate limit
	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("RateLimit.RequestsPerSecond: got %f, want 20", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}

	if cfg.Metrics.Path != "/internal/metrics" {
		t.Errorf("Metrics.Path: got %q", cfg.Metrics.Path)
	}
}

func TestValidateRequired(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing addr", `{"server": {}, "auth": {"jwt_secret": "some-secret-value-long-enough-for-32"}}`},
		{"missing secret", `{"server": {"addr": ":8080"}, "auth": {}}`},
		{"short secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`},
		{"weak secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`},
		{"jwks without issuer", `{"server": {"addr": ":8080"}, "auth": {"provider": "jwks"}}`},
		{"unknown driver", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "some-secret-value-long-enough-for-32"}, "storage": {"driver": "mysql"}}`},
		{"bad product access", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "some-secret-value-long-enough-for-32"}, "catalog": {"default_product_access": "some"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tc.json)); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestJWKSProviderNeedsNoSecret(t *testing.T) {
	path := writeTempConfig(t, `{"server": {"addr": ":8080"}, "auth": {"provider": "jwks", "issuer": "https://login.example.com"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Provider != "jwks" {
		t.Errorf("Auth.Provider: got %q", cfg.Auth.Provider)
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "m10n.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "m10n.db")
	}
	if cfg.Storage.AuditRetention.Duration != 90*24*time.Hour {
		t.Errorf("default Storage.AuditRetention: got %v, want 2160h", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Catalog.ChainCacheTTL.Duration != time.Minute {
		t.Errorf("default Catalog.ChainCacheTTL: got %v, want 1m", cfg.Catalog.ChainCacheTTL.Duration)
	}
	if cfg.Catalog.DefaultProductAccess != "all" {
		t.Errorf("default DefaultProductAccess: got %q, want %q", cfg.Catalog.DefaultProductAccess, "all")
	}
	if cfg.Catalog.FeedBuffer != 64 {
		t.Errorf("default Catalog.FeedBuffer: got %d, want 64", cfg.Catalog.FeedBuffer)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("default RateLimit.RequestsPerSecond: got %f, want 10", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit.Burst: got %d, want 20", cfg.RateLimit.Burst)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path: got %q", cfg.Metrics.Path)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 1024*1024)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"90s"`), &d); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("got %v, want 90s", d.Duration)
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("expected error for boolean duration")
	}
	out, err := json.Marshal(Duration{Duration: time.Minute})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"1m0s"` {
		t.Errorf("marshal: got %s", out)
	}
}
