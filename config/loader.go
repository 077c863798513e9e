package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "PLANNER_"
	envConfigPath     = "PLANNER_CONFIG"
	maxConfigFileSize = 1024 * 1024
)

// Variables the deployed services already use, mapped onto config keys.
var legacyEnv = map[string]string{
	"DEBUG":                    "log.debug",
	"REDIS_CONNECTION_STRING":  "redis.connection_string",
	"AUTH0_DOMAIN":             "auth.domain",
	"AUTH0_AUDIENCE":           "auth.audience",
	"LOCAL_AUTH_MODE":          "auth.mode",
	"LOCAL_AUTH_SHARED_SECRET": "auth.shared_secret",
	"JWKS_CACHE_TTL":           "auth.jwks_cache_ttl",
}

// Load reads configuration with this precedence, highest first:
//
//  1. PLANNER_* environment variables (PLANNER_API_BASE_URL -> api.base_url)
//  2. legacy variables such as REDIS_CONNECTION_STRING or AUTH0_DOMAIN
//  3. the YAML file at path, or at $PLANNER_CONFIG when path is empty
//  4. defaults
//
// A missing file is not an error when the path came from the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		content, err := readConfigFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, err
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		mapped, ok := legacyEnv[key]
		if !ok || value == "" {
			return "", nil
		}
		return mapped, value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Split on the first underscore only: section.field_name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
