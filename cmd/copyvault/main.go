// Command copyvault runs a copy-trading vault node. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// node in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/copyvault/internal/app"
	"github.com/alanyoungcy/copyvault/internal/config"
	"github.com/alanyoungcy/copyvault/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKey := flag.String("encrypt-key", "", "write the configured relayer private key, encrypted with relayer.key_password, to this path and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *encryptKey != "" {
		addr, err := crypto.WriteEncryptedKey(*encryptKey, cfg.Relayer.PrivateKey, cfg.Relayer.KeyPassword)
		if err != nil {
			logger.Error("failed to write encrypted key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted relayer key written",
			slog.String("path", *encryptKey),
			slog.String("address", addr.Hex()),
		)
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("copyvault starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	node := app.New(cfg, logger)
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("node shut down gracefully")
		} else {
			logger.Error("node exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			node.Close()
			os.Exit(1)
		}
	}

	logger.Info("copyvault stopped")
}
