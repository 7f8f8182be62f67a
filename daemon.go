package framepatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/framepatch/internal/browser"
	"github.com/hazyhaar/framepatch/internal/config"
	"github.com/hazyhaar/framepatch/internal/reload"
	"github.com/hazyhaar/framepatch/store"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// RunOptions are process-level switches that do not belong in the YAML file.
type RunOptions struct {
	// MCPStdio serves the MCP tools on stdin/stdout.
	MCPStdio bool
}

// Run starts the browser, the supervisor and the admin surfaces, and blocks
// until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts RunOptions) error {
	if logger == nil {
		logger = slog.Default()
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		var err error
		st, err = store.Open(cfg.Store.Path, store.WithMkdirAll())
		if err != nil {
			return err
		}
		defer st.Close()
		logger.Info("framepatch: store opened", "path", cfg.Store.Path)
	}

	level, err := browser.ParseStealth(cfg.Browser.Stealth)
	if err != nil {
		return err
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          level,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	tab, err := openTarget(ctx, mgr, cfg)
	if err != nil {
		return err
	}
	var tabMu sync.Mutex
	defer func() {
		tabMu.Lock()
		defer tabMu.Unlock()
		tab.Close()
	}()

	sup := NewSupervisor(cfg, tab, st, logger)
	if err := sup.Start(ctx); err != nil {
		// Invalid stored features are logged, the rest keep running.
		logger.Error("framepatch: initial load", "error", err)
	}
	defer sup.Stop()

	mgr.OnRecycle(func(*rod.Browser) {
		next, err := openTarget(ctx, mgr, cfg)
		if err != nil {
			logger.Error("framepatch: reopen tab after recycle", "error", err)
			return
		}
		sup.SetHost(next)
		tabMu.Lock()
		old := tab
		tab = next
		tabMu.Unlock()
		old.Close()
	})

	if st != nil {
		poller := reload.New(st.DataVersion, reload.Options{
			Interval: cfg.Store.PollInterval,
			Debounce: cfg.Store.Debounce,
			Logger:   logger,
		})
		go poller.Run(ctx, sup.Reload)
		go pruneLoop(ctx, st, cfg.Store.EventRetention, logger)
	}

	errc := make(chan error, 2)
	if cfg.Admin.HTTP != "" {
		srv := &http.Server{
			Addr:              cfg.Admin.HTTP,
			Handler:           sup.Handler(logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("framepatch: admin listening", "addr", cfg.Admin.HTTP)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("framepatch: admin http: %w", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	if opts.MCPStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "framepatch", Version: Version}, nil)
		sup.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("framepatch: mcp stdio: %w", err)
			}
		}()
	}

	logger.Info("framepatch: running",
		"target", cfg.Target.URL, "remote", mgr.Remote(), "features", len(sup.Features()))

	select {
	case <-ctx.Done():
		logger.Info("framepatch: shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

// openTarget adopts a matching tab of a remote browser, or opens the target
// URL in a new tab.
func openTarget(ctx context.Context, mgr *browser.Manager, cfg *config.Config) (*browser.Tab, error) {
	if mgr.Remote() {
		tab, err := browser.AttachTab(ctx, mgr, cfg.Target.Match)
		if err == nil || cfg.Target.URL == "" {
			return tab, err
		}
		return browser.OpenTab(ctx, mgr, cfg.Target.URL)
	}
	return browser.OpenTab(ctx, mgr, cfg.Target.URL)
}

func pruneLoop(ctx context.Context, st *store.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := st.PruneEvents(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("framepatch: prune events", "error", err)
		} else if n > 0 {
			logger.Info("framepatch: events pruned", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
