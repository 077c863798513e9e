// Package config loads planner-sync settings from an optional YAML file and
// the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	AuthNone  = "none"
	AuthHS256 = "hs256"
	AuthJWKS  = "jwks"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	API       APIConfig       `koanf:"api"`
	Redis     RedisConfig     `koanf:"redis"`
	Auth      AuthConfig      `koanf:"auth"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// APIConfig points at the planner REST service.
type APIConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
}

// RedisConfig is optional. Without a connection string the directory cache
// and move deduplication are off.
type RedisConfig struct {
	ConnectionString string        `koanf:"connection_string"`
	CacheTTL         time.Duration `koanf:"cache_ttl"`
	DedupeTTL        time.Duration `koanf:"dedupe_ttl"`
}

type AuthConfig struct {
	Mode         string        `koanf:"mode"`
	Domain       string        `koanf:"domain"`
	Audience     string        `koanf:"audience"`
	SharedSecret string        `koanf:"shared_secret"`
	JWKSCacheTTL time.Duration `koanf:"jwks_cache_ttl"`
}

// JWKSURL is the Auth0 key set of Domain.
func (a AuthConfig) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

// Issuer is the expected iss claim in jwks mode.
func (a AuthConfig) Issuer() string {
	return "https://" + a.Domain + "/"
}

type WorkspaceConfig struct {
	IdleTTL       time.Duration `koanf:"idle_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type LogConfig struct {
	Debug bool   `koanf:"debug"`
	JSON  bool   `koanf:"json"`
	Level string `koanf:"level"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8000"
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 15 * time.Second
	}
	if cfg.Redis.CacheTTL == 0 {
		cfg.Redis.CacheTTL = 5 * time.Minute
	}
	if cfg.Redis.DedupeTTL == 0 {
		cfg.Redis.DedupeTTL = 10 * time.Minute
	}
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	if cfg.Auth.Mode == "" {
		if cfg.Auth.Domain != "" && cfg.Auth.Audience != "" {
			cfg.Auth.Mode = AuthJWKS
		} else {
			cfg.Auth.Mode = AuthNone
		}
	}
	if cfg.Auth.JWKSCacheTTL == 0 {
		cfg.Auth.JWKSCacheTTL = 15 * time.Minute
	}
	if cfg.Workspace.IdleTTL == 0 {
		cfg.Workspace.IdleTTL = 30 * time.Minute
	}
	if cfg.Workspace.SweepInterval == 0 {
		cfg.Workspace.SweepInterval = time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
		if cfg.Log.Debug {
			cfg.Log.Level = "debug"
		}
	}
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api base url %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return errors.New("api timeout must be positive")
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		return errors.New("api rate limit and burst must not be negative")
	}
	if c.Redis.CacheTTL <= 0 || c.Redis.DedupeTTL <= 0 {
		return errors.New("redis ttls must be positive")
	}
	switch c.Auth.Mode {
	case AuthNone:
	case AuthHS256:
		if c.Auth.SharedSecret == "" {
			return errors.New("auth.shared_secret must be set when auth.mode=hs256")
		}
	case AuthJWKS:
		if c.Auth.Domain == "" || c.Auth.Audience == "" {
			return errors.New("auth.domain and auth.audience must be set when auth.mode=jwks")
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.Auth.Mode)
	}
	if c.Auth.JWKSCacheTTL < 0 {
		return errors.New("invalid jwks cache ttl")
	}
	if c.Workspace.IdleTTL <= 0 || c.Workspace.SweepInterval <= 0 {
		return errors.New("workspace idle ttl and sweep interval must be positive")
	}
	if _, err := c.RedisOptions(); err != nil {
		return err
	}
	return nil
}

// RedisOptions parses the connection string, either a redis:// URL or the
// Azure style "host:port,password=...,ssl=true". It returns nil when redis is
// not configured.
func (c *Config) RedisOptions() (*redis.Options, error) {
	conn := strings.TrimSpace(c.Redis.ConnectionString)
	if conn == "" {
		return nil, nil
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" || strings.Contains(parts[0], "=") {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
