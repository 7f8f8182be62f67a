// CLAUDE:SUMMARY Owns the Chrome connection: launch or attach, stealth level, Xvfb, and interval recycling of launched instances.
// Package browser drives Chrome over the DevTools protocol with Rod and
// exposes a page as a frameobs.Host.
//
// Two modes are supported. With RemoteURL set, the manager attaches to a
// browser someone else runs (the front-desk Chrome started with
// --remote-debugging-port) and never kills it. Without it, a local Chrome
// is launched, optionally headful under Xvfb, and recycled on an interval.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// StealthLevel controls how new tabs are created.
type StealthLevel int

const (
	LevelPlain    StealthLevel = 0 // plain tab, no evasions
	LevelHeadless StealthLevel = 1 // headless + stealth evasions
	LevelHeadful  StealthLevel = 2 // headful under Xvfb + stealth evasions
)

// ParseStealth maps a config string to a StealthLevel.
func ParseStealth(s string) (StealthLevel, error) {
	switch s {
	case "", "headless":
		return LevelHeadless, nil
	case "plain":
		return LevelPlain, nil
	case "headful":
		return LevelHeadful, nil
	}
	return 0, fmt.Errorf("browser: unknown stealth level %q", s)
}

func (l StealthLevel) String() string {
	switch l {
	case LevelPlain:
		return "plain"
	case LevelHeadful:
		return "headful"
	}
	return "headless"
}

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket (or http://host:port) of a running
	// Chrome. Empty launches a local one.
	RemoteURL string

	// RecycleInterval is the maximum lifetime of a launched Chrome.
	// Attached browsers are never recycled. Default: 4h.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block in tabs we open.
	ResourceBlocking []string

	// Stealth sets how tabs are opened. Default: LevelHeadless.
	Stealth StealthLevel

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Rod browser handle.
type Manager struct {
	cfg       Config
	mu        sync.RWMutex
	browser   *rod.Browser
	lnch      *launcher.Launcher
	xvfb      *exec.Cmd
	startAt   time.Time
	closed    bool
	hangup    context.CancelFunc
	onRecycle func(*rod.Browser)
}

// NewManager creates a browser Manager. Call Start to launch or attach.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// OnRecycle registers fn to run after a launched Chrome was replaced, so
// tabs can be reopened against the new browser.
func (m *Manager) OnRecycle(fn func(*rod.Browser)) {
	m.mu.Lock()
	m.onRecycle = fn
	m.mu.Unlock()
}

// Remote reports whether the manager attaches to an external browser.
func (m *Manager) Remote() bool { return m.cfg.RemoteURL != "" }

// Start launches Chrome (or connects to RemoteURL) and returns the handle.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}

	b, err := m.launch(ctx)
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	if !m.Remote() {
		go m.recycleLoop(ctx)
	}
	return b, nil
}

// Browser returns the current Rod browser handle.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle replaces a launched Chrome and runs the OnRecycle hook.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("browser: manager is closed")
	}
	if m.Remote() {
		m.mu.Unlock()
		return fmt.Errorf("browser: refusing to recycle a remote browser")
	}
	log := m.cfg.Logger
	log.Info("browser: recycling", "uptime", time.Since(m.startAt))

	m.cleanup()
	b, err := m.launch(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	hook := m.onRecycle
	m.mu.Unlock()

	if hook != nil {
		hook(b)
	}
	log.Info("browser: recycled")
	return nil
}

// Close disconnects from Chrome. A launched Chrome and Xvfb are killed; an
// attached one is left running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.Remote() {
		u, err := launcher.ResolveURL(m.cfg.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("browser: resolve %s: %w", m.cfg.RemoteURL, err)
		}
		wsURL = u
		log.Info("browser: attaching to remote", "url", wsURL)
	} else {
		if m.cfg.Stealth == LevelHeadful {
			if err := m.startXvfb(); err != nil {
				return nil, err
			}
		}

		l := launcher.New().Context(ctx)
		if m.cfg.Stealth == LevelHeadful {
			l = l.Headless(false).Env("DISPLAY=" + m.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "stealth", m.cfg.Stealth)
	}

	connCtx, hangup := context.WithCancel(context.WithoutCancel(ctx))
	b := rod.New().Context(connCtx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		hangup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	m.hangup = hangup
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		// Browser.Close would quit an attached Chrome; only hang up on it.
		if !m.Remote() {
			m.browser.Close()
		}
		m.browser = nil
	}
	if m.hangup != nil {
		m.hangup()
		m.hangup = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) recycleLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			closed, startAt := m.closed, m.startAt
			m.mu.RUnlock()
			if closed {
				return
			}
			if time.Since(startAt) > m.cfg.RecycleInterval {
				log.Info("browser: recycle interval reached")
				if err := m.Recycle(ctx); err != nil {
					log.Error("browser: recycle failed", "error", err)
				}
			}
		}
	}
}
