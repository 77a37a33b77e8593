// Command fgz runs the MCP client connection manager service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Bellamy509/FGZ/internal/app"
	"github.com/Bellamy509/FGZ/internal/config"
	"github.com/Bellamy509/FGZ/internal/envconfig"
	"github.com/Bellamy509/FGZ/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fgz: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fgz: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("fgz starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Environment:    string(envconfig.DetectProcess().Environment),
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg,
		app.WithLogger(logger, level),
		app.WithMetrics(telemetry.Metrics),
		app.WithTelemetryShutdown(telemetry.Shutdown),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, application.Summary())

	if *watch {
		w, err := config.Watch(ctx, *configPath, func(old, new *config.Config, _ config.ConfigDiff) {
			application.ApplyConfig(ctx, old, new)
		}, config.WithWatchLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func printStartupSummary(cfg *config.Config, s envconfig.Summary) {
	storage := "memory"
	if cfg.Storage.PostgresDSN != "" {
		storage = "postgres"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           FGZ startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Environment", fmt.Sprintf("%s (%s)", s.Environment, s.DetectionReason))
	printRow("Work dir", s.WorkingDirectory)
	printRow("Platform", s.Platform)
	printRow("Go", s.GoVersion)
	printRow("Storage", storage)
	printRow("Servers on", fmt.Sprint(len(s.Enabled)))
	printRow("Servers off", fmt.Sprint(len(s.Disabled)))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
	if len(s.Disabled) > 0 {
		slog.Info("MCP servers disabled for this environment", "servers", strings.Join(s.Disabled, ", "))
	}
}

func printRow(label, value string) {
	fmt.Printf("║  %-12s    : %-19s ║\n", label, truncate(value, 19))
}

// truncate shortens s to at most width runes, ending in "..." when cut.
func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
