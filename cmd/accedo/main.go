package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/app"
	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	serverPort   = flag.Int("port", 0, "Health endpoint port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Health endpoint port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Health endpoint host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	// Register custom flag for multiple config files
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	common.ResolveVersion()

	if *showVersion || *showVersionV {
		fmt.Printf("Accedo version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Merge port flags (shorthand takes precedence)
	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	var err error

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("accedo.toml"); err == nil {
			configFiles = append(configFiles, "accedo.toml")
		} else if _, err := os.Stat("deployments/local/accedo.toml"); err == nil {
			// Fallback for running from the project root
			configFiles = append(configFiles, "deployments/local/accedo.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger = common.SetupLogger(config)

	common.PrintBanner(config, logger)

	// Crash files land beside the logs
	if execPath, err := os.Executable(); err == nil {
		common.InstallCrashHandler(filepath.Join(filepath.Dir(execPath), "logs"))
	}

	logger.Info().
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Str("redis", config.Queue.RedisURL).
		Int("health_port", config.Server.Port).
		Msg("Worker configuration loaded")

	// Initialize the worker
	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize worker")
		os.Exit(1)
	}
	defer application.Close()

	// Start consuming scan jobs
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := application.Start(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start worker")
		os.Exit(1)
	}

	// Start the health endpoint in a goroutine
	srv := server.New(application)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("Server goroutine panicked")
			}
		}()

		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Health endpoint failed to start")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d/health", config.Server.Host, config.Server.Port)).
		Msg("Worker ready - Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")

	// Stop the health endpoint first, then drain in-flight scans via
	// the deferred application.Close
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Worker stopped")
}
