package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"streamgate/internal/assembler"
	"streamgate/internal/config"
	"streamgate/internal/metrics"
	"streamgate/internal/provider"
	providerfactory "streamgate/internal/provider/factory"
	"streamgate/internal/router"
	"streamgate/internal/server"
	"streamgate/internal/tools"
)

const (
	serveUsage = `Usage:
  streamgate serve --config <path> [--port <port>] [--env-file <path>]

Flags:
  --config   string   Path to YAML configuration file (required)
  --port     int      Override server port from configuration
  --env-file string   Load environment variables before reading the config (default .env if present)`

	defaultEnvFile = ".env"
)

func serve(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	flags.StringVar(&cfgPath, "config", "", "path to configuration file")
	flags.IntVar(&overridePort, "port", 0, "override server port")
	flags.StringVar(&envFile, "env-file", "", "path to a dotenv file")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	if err := loadEnv(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	slog.SetDefault(newLogger(cfg.Log))

	m := metrics.New()

	toolRegistry := tools.NewRegistry(tools.WithObserver(m.ObserveTool))
	tools.RegisterBuiltins(toolRegistry, cfg.Tools.Users)
	slog.Info("tools registered",
		slog.Bool("interception", cfg.Tools.Enabled),
		slog.Any("tools", toolRegistry.List()))

	var adapterOpts []provider.AdapterOption
	if cfg.Tools.Enabled {
		adapterOpts = append(adapterOpts, provider.WithTools(toolRegistry, cfg.Tools.FunctionHint))
	}

	registry := provider.NewRegistry(provider.WithCatalogTTL(cfg.Server.ModelsCacheTTL))
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry, adapterOpts...); err != nil {
		return err
	}

	srvOpts := []server.Option{
		server.WithAssembler(assembler.NewStatic(cfg.Generation.SystemPrompt, cfg.Tools.Users)),
		server.WithMetrics(m),
	}
	if cfg.Tools.Enabled {
		srvOpts = append(srvOpts, server.WithTools(toolRegistry))
	}

	srv, err := server.New(cfg, router.New(registry, m), srvOpts...)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadEnv reads a dotenv file into the process environment. Variables that
// are already set win. A missing default file is not an error.
func loadEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", defaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
