package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bitalk/bitalk/internal/config"
)

func main() {
	// Define command-line flags
	configPath := flag.String("config", "", "Path to TOML configuration file")
	profilePath := flag.String("profile", "", "Path to profile TOML (default: ~/.config/bitalk/profile.toml)")
	port := flag.Int("port", 0, "LAN listen port (0 for random)")
	mdns := flag.Bool("mdns", true, "Enable mDNS local peer discovery")
	socketPath := flag.String("socket", "", "Unix socket path for IPC (default: ~/.local/share/bitalk/agent.sock)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")

	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := buildConfig(*configPath, *profilePath, *port, *mdns, *socketPath)
	if err != nil {
		logger.Error("failed to build configuration", "error", err)
		os.Exit(1)
	}

	paths := config.DefaultPaths()
	if err := paths.EnsureDirectories(); err != nil {
		logger.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	daemon, err := NewDaemon(cfg, logger)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bitalk-agent daemon",
		"port", cfg.Radio.Port,
		"socket", cfg.Storage.SocketPath,
		"profile", cfg.Storage.ProfilePath,
		"mdns", cfg.Radio.MDNSEnabled,
	)

	if err := daemon.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}

	logger.Info("daemon stopped gracefully")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildConfig loads the config file if given and applies flag overrides.
// Flags override file settings.
func buildConfig(configPath, profilePath string, port int, mdns bool, socketPath string) (config.AgentConfig, error) {
	cfg := config.DefaultAgentConfig()

	if configPath != "" {
		fileCfg, err := config.LoadAgentConfig(configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg = *fileCfg
	}

	if port != 0 {
		cfg.Radio.Port = port
	}
	// The flag defaults to true, so only an explicit false overrides the file.
	if !mdns {
		cfg.Radio.MDNSEnabled = false
	}
	if profilePath != "" {
		cfg.Storage.ProfilePath = config.ExpandPath(profilePath)
	}
	if socketPath != "" {
		cfg.Storage.SocketPath = config.ExpandPath(socketPath)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
