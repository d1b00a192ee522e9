package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetenv(t, "CONFIG_PATH", "STORE_DRIVER", "SAVE_DELAY_MS", "TOKEN_TTL_SECONDS", "JWT_SECRET", "ANCHOR_ATTRIBUTE", "SOCKET_REQUIRE_AUTH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("StoreDriver = %q, want postgres", cfg.StoreDriver)
	}
	if cfg.SaveDelay() != 2*time.Second {
		t.Errorf("SaveDelay() = %v, want 2s", cfg.SaveDelay())
	}
	if cfg.TokenTTL() != time.Hour {
		t.Errorf("TokenTTL() = %v, want 1h", cfg.TokenTTL())
	}
	if cfg.AnchorAttribute != "data-comment-id" {
		t.Errorf("AnchorAttribute = %q", cfg.AnchorAttribute)
	}
	if cfg.SocketRequireAuth {
		t.Error("sockets should not require auth by default")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetenv(t, "CONFIG_PATH")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SAVE_DELAY_MS", "250")
	t.Setenv("SOCKET_REQUIRE_AUTH", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != DriverMemory {
		t.Errorf("StoreDriver = %q", cfg.StoreDriver)
	}
	if cfg.SaveDelay() != 250*time.Millisecond {
		t.Errorf("SaveDelay() = %v", cfg.SaveDelay())
	}
	if !cfg.SocketRequireAuth {
		t.Error("SOCKET_REQUIRE_AUTH=true was ignored")
	}
}

func TestLoadFromYAMLFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	unsetenv(t, "STORE_DRIVER", "SAVE_DELAY_MS", "MONGO_DATABASE")
	path := filepath.Join(dir, "config.yaml")
	yaml := "store_driver: mongo\nmongo_database: editor\nsave_delay_ms: 500\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SAVE_DELAY_MS", "750")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != DriverMongo || cfg.MongoDB != "editor" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.SaveDelay() != 750*time.Millisecond {
		t.Errorf("environment should override the file, SaveDelay() = %v", cfg.SaveDelay())
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "does-not-exist.yaml")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := Config{StoreDriver: DriverMongo, JWTSecret: "s", TokenTTLSeconds: 60}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := map[string]func(*Config){
		"driver": func(c *Config) { c.StoreDriver = "sqlite" },
		"secret": func(c *Config) { c.JWTSecret = " " },
		"ttl":    func(c *Config) { c.TokenTTLSeconds = 0 },
		"delay":  func(c *Config) { c.SaveDelayMillis = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
