// Package main runs the planner-sync HTTP service and a small CLI for
// inspecting boards from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"planner-sync/config"
	"planner-sync/storage"
)

var (
	// configPath overrides $PLANNER_CONFIG.
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "planner",
	Short: "Session-scoped sync layer for the planner REST service",
	Long: `planner keeps a per-user copy of planner boards, changed only once the
service confirms each edit, and serves kanban, grid, calendar and summary
projections of them over HTTP.

Examples:
  # Run the service
  planner serve --config planner.yaml

  # List your boards
  PLANNER_TOKEN=... planner boards

  # Summarise your tasks across boards
  PLANNER_TOKEN=... planner mine --view summary`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(boardsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(mineCmd)
}

// setup loads configuration and configures the process logger from it.
func setup() (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := log.StandardLogger()
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	logger.SetLevel(level)
	if cfg.Log.JSON {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return cfg, logger, nil
}

// newBackend builds the planner client, fronted by the redis directory
// cache when redis is configured. The returned client is nil without redis.
func newBackend(cfg *config.Config, logger *log.Logger) (storage.Backend, *redis.Client, error) {
	client, err := storage.New(cfg.API.BaseURL, storage.Options{
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, nil, err
	}
	if redisOpts == nil {
		return client, nil, nil
	}
	rc := redis.NewClient(redisOpts)
	return storage.NewCache(client, rc, cfg.Redis.CacheTTL), rc, nil
}
