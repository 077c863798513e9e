package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for key := range legacyEnv {
		t.Setenv(key, "")
	}
	t.Setenv(envConfigPath, "")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.API.BaseURL != "http://localhost:8000" || cfg.API.Timeout != 15*time.Second {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Redis.CacheTTL != 5*time.Minute || cfg.Redis.DedupeTTL != 10*time.Minute {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Auth.Mode != AuthNone || cfg.Auth.JWKSCacheTTL != 15*time.Minute {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Workspace.IdleTTL != 30*time.Minute {
		t.Errorf("workspace = %+v", cfg.Workspace)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `server:
  port: 9191
api:
  base_url: https://planner.example.com/
  timeout: 5s
  rate_limit: 20
  burst: 4
workspace:
  idle_ttl: 1h
`)
	t.Setenv("PLANNER_API_TIMEOUT", "30s")
	t.Setenv("PLANNER_REDIS_CACHE_TTL", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.API.BaseURL != "https://planner.example.com" {
		t.Errorf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Errorf("env should override file, timeout = %v", cfg.API.Timeout)
	}
	if cfg.API.RateLimit != 20 || cfg.API.Burst != 4 {
		t.Errorf("rate = %v burst = %d", cfg.API.RateLimit, cfg.API.Burst)
	}
	if cfg.Redis.CacheTTL != 2*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Redis.CacheTTL)
	}
	if cfg.Workspace.IdleTTL != time.Hour {
		t.Errorf("idle ttl = %v", cfg.Workspace.IdleTTL)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEBUG", "true")
	t.Setenv("REDIS_CONNECTION_STRING", "cache.example.com:6380,password=pw,ssl=true")
	t.Setenv("LOCAL_AUTH_MODE", "HS256")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "s3cret")
	t.Setenv("JWKS_CACHE_TTL", "1m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Log.Debug || cfg.Log.Level != "debug" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Auth.Mode != AuthHS256 || cfg.Auth.SharedSecret != "s3cret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Auth.JWKSCacheTTL != time.Minute {
		t.Errorf("jwks ttl = %v", cfg.Auth.JWKSCacheTTL)
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("redis options: %v", err)
	}
	if opts.Addr != "cache.example.com:6380" || opts.Password != "pw" || opts.TLSConfig == nil {
		t.Errorf("redis options = %+v", opts)
	}
}

func TestPrefixedEnvBeatsLegacy(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH0_DOMAIN", "legacy.auth0.com")
	t.Setenv("AUTH0_AUDIENCE", "planner")
	t.Setenv("PLANNER_AUTH_DOMAIN", "tenant.auth0.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Domain != "tenant.auth0.com" {
		t.Errorf("domain = %q", cfg.Auth.Domain)
	}
	if cfg.Auth.Mode != AuthJWKS {
		t.Errorf("domain and audience should select jwks, got %q", cfg.Auth.Mode)
	}
	if got := cfg.Auth.JWKSURL(); got != "https://tenant.auth0.com/.well-known/jwks.json" {
		t.Errorf("jwks url = %q", got)
	}
	if got := cfg.Auth.Issuer(); got != "https://tenant.auth0.com/" {
		t.Errorf("issuer = %q", got)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(""); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]struct {
		yaml string
		want string
	}{
		"bad port":        {"server:\n  port: 70000\n", "invalid server port"},
		"bad url":         {"api:\n  base_url: ftp://x\n", "invalid api base url"},
		"hs256 no secret": {"auth:\n  mode: hs256\n", "shared_secret"},
		"jwks no domain":  {"auth:\n  mode: jwks\n", "auth.domain"},
		"unknown mode":    {"auth:\n  mode: saml\n", "unsupported auth mode"},
		"bad redis":       {"redis:\n  connection_string: \"password=x\"\n", "invalid redis connection string"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRedisOptionsURL(t *testing.T) {
	cfg := Config{Redis: RedisConfig{ConnectionString: "redis://:pw@localhost:6379/2"}}
	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("redis options: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 2 || opts.Password != "pw" {
		t.Errorf("opts = %+v", opts)
	}

	cfg.Redis.ConnectionString = ""
	if opts, err := cfg.RedisOptions(); opts != nil || err != nil {
		t.Errorf("empty connection string should disable redis, got %v %v", opts, err)
	}
}
