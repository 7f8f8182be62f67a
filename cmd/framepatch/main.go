// Command framepatch keeps declarative patches applied to the frames of a
// web application running in Chrome.
//
// Usage:
//
//	framepatch -config framepatch.yaml                      # launch Chrome on target.url
//	framepatch -config framepatch.yaml -remote ws://...     # attach to a running Chrome
//	framepatch -config framepatch.yaml -db framepatch.db -http :8088
//	framepatch -config framepatch.yaml -check               # validate and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/framepatch"
	"github.com/hazyhaar/framepatch/internal/config"
)

func main() {
	configPath := flag.String("config", "framepatch.yaml", "path to framepatch.yaml")
	dbPath := flag.String("db", "", "SQLite feature store (overrides store.path)")
	httpAddr := flag.String("http", "", "admin HTTP listen address (overrides admin.http)")
	remote := flag.String("remote", "", "DevTools URL of a running Chrome (overrides browser.remote)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools on stdin/stdout")
	check := flag.Bool("check", false, "validate the configuration and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flags := func(c *config.Config) {
		if *remote != "" {
			c.Browser.Remote = *remote
		}
		if *dbPath != "" {
			c.Store.Path = *dbPath
		}
		if *httpAddr != "" {
			c.Admin.HTTP = *httpAddr
		}
	}
	if err := run(ctx, logger, *configPath, flags, *check, *mcpStdio); err != nil {
		logger.Error("framepatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, path string, flags config.Override, check, mcpStdio bool) error {
	cfg, err := config.LoadFile(path, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if check {
		for _, f := range cfg.Features {
			o := cfg.ObserverFor(f)
			fmt.Printf("%-20s frame=%-12s rules=%d debounce=%s interval=%s disabled=%v\n",
				f.Name, o.Frame, len(f.Rules), o.DebounceDelay, o.ProcessInterval, f.Disabled)
		}
		return nil
	}

	return framepatch.Run(ctx, cfg, logger, framepatch.RunOptions{MCPStdio: mcpStdio})
}
