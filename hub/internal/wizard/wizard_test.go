package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amurg-ai/m10n/hub/internal/config"
	"github.com/amurg-ai/m10n/pkg/cli"
)

func runWizard(t *testing.T, answers ...string) *config.Config {
	t.Helper()
	input := strings.Join(answers, "\n") + "\n"
	p := &cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}}

	outputPath := filepath.Join(t.TempDir(), "hub-config.json")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	// The written file must pass the hub's own validation.
	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}
	return cfg
}

func TestWizard_BuiltinSQLite(t *testing.T) {
	cfg := runWizard(t,
		":9090",                      // listen address
		"https://portal.example.com", // allowed origins
		"1",                          // provider: builtin
		"myadmin",                    // admin username
		"secretpass",                 // admin password
		"admin@example.com",          // admin email
		"1",                          // storage: sqlite
		"./data/m10n.db",             // sqlite path
		"2",                          // product access: none
		"5m",                         // cache TTL
		"y",                          // day granularity
	)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://portal.example.com" {
		t.Errorf("server.allowed_origins = %q", cfg.Server.AllowedOrigins)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" || cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin = %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Auth.InitialAdmin.Email != "admin@example.com" {
		t.Errorf("admin email = %q", cfg.Auth.InitialAdmin.Email)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "./data/m10n.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Catalog.DefaultProductAccess != "none" {
		t.Errorf("catalog.default_product_access = %q, want none", cfg.Catalog.DefaultProductAccess)
	}
	if cfg.Catalog.ChainCacheTTL.Duration != 5*time.Minute {
		t.Errorf("catalog.chain_cache_ttl = %v, want 5m", cfg.Catalog.ChainCacheTTL.Duration)
	}
	if !cfg.Catalog.DayGranularity {
		t.Error("catalog.day_granularity = false, want true")
	}
}

func TestWizard_JWKSPostgres(t *testing.T) {
	cfg := runWizard(t,
		"",                                  // listen address (default)
		"",                                  // allowed origins (default)
		"2",                                 // provider: jwks
		"https://login.example.com",         // issuer
		"m10n",                              // audience
		"2",                                 // storage: postgres
		"postgres://m10n:pass@db:5432/m10n", // DSN
		"",                                  // product access (default)
		"",                                  // cache TTL (default)
		"",                                  // day granularity (default)
	)

	if cfg.Auth.Provider != "jwks" || cfg.Auth.Issuer != "https://login.example.com" || cfg.Auth.Audience != "m10n" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Auth.JWTSecret != "" || cfg.Auth.InitialAdmin != nil {
		t.Error("jwks config should not carry builtin credentials")
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://m10n:pass@db:5432/m10n" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Catalog.DefaultProductAccess != "all" {
		t.Errorf("catalog.default_product_access = %q, want all", cfg.Catalog.DefaultProductAccess)
	}
}

func TestWizard_RunDefaults(t *testing.T) {
	t.Setenv("M10N_ADDR", ":7070")
	t.Setenv("M10N_ADMIN_USER", "ops")
	t.Setenv("M10N_ADMIN_PASSWORD", "")
	t.Setenv("M10N_STORAGE_DRIVER", "sqlite")
	t.Setenv("M10N_STORAGE_DSN", filepath.Join(t.TempDir(), "m10n.db"))

	out := &bytes.Buffer{}
	outputPath := filepath.Join(t.TempDir(), "hub-config.json")
	if err := New(&cli.Prompter{Out: out}).RunDefaults(outputPath); err != nil {
		t.Fatalf("RunDefaults() error: %v", err)
	}

	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}
	if cfg.Server.Addr != ":7070" || cfg.Auth.InitialAdmin.Username != "ops" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Auth.InitialAdmin.Password == "" {
		t.Error("expected generated admin password")
	}
	if !strings.Contains(out.String(), cfg.Auth.InitialAdmin.Password) {
		t.Error("generated admin password should be printed once")
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestWizard_RunDefaultsPostgresNeedsDSN(t *testing.T) {
	t.Setenv("M10N_STORAGE_DRIVER", "postgres")
	t.Setenv("M10N_STORAGE_DSN", "")

	err := New(&cli.Prompter{Out: &bytes.Buffer{}}).RunDefaults(filepath.Join(t.TempDir(), "c.json"))
	if err == nil {
		t.Fatal("expected error without DSN")
	}
}
